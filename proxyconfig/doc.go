// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package proxyconfig parses upstream proxy URLs and turns them into [transport.StreamDialer] objects.

A proxy URL has the form

	scheme://[user[:password]@]host:port

where scheme is one of http, https, socks4, socks4a, socks5 or socks5h. An empty URL means
proxying is disabled and parses to a nil [*Config].

With socks4 and socks5 the destination host name is resolved locally and the proxy receives an
IP address. With socks4a and socks5h the proxy resolves the name.

Dialers are created through a [Registry], which maps URL schemes to builders. The default
registry knows every scheme above, and callers may register their own:

	r := proxyconfig.NewDefaultRegistry()
	dialer, err := r.NewStreamDialer(cfg, &transport.TCPDialer{})
*/
package proxyconfig
