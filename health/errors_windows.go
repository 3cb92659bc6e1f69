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

//go:build windows

package health

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// systemErrnoName maps the Windows socket errors a proxy probe can hit to their POSIX names.
// Full list at https://learn.microsoft.com/en-us/windows/win32/winsock/windows-sockets-error-codes-2.
func systemErrnoName(errno syscall.Errno) string {
	switch errno {
	case windows.WSAEACCES:
		return "EACCES"
	case windows.WSAEADDRNOTAVAIL:
		return "EADDRNOTAVAIL"
	case windows.WSAENETDOWN:
		return "ENETDOWN"
	case windows.WSAENETUNREACH:
		return "ENETUNREACH"
	case windows.WSAENETRESET:
		return "ENETRESET"
	case windows.WSAECONNABORTED:
		return "ECONNABORTED"
	case windows.WSAECONNRESET:
		return "ECONNRESET"
	case windows.WSAENOTCONN:
		return "ENOTCONN"
	case windows.WSAETIMEDOUT:
		return "ETIMEDOUT"
	case windows.WSAECONNREFUSED:
		return "ECONNREFUSED"
	case windows.WSAEHOSTDOWN:
		return "EHOSTDOWN"
	case windows.WSAEHOSTUNREACH:
		return "EHOSTUNREACH"
	}
	return ""
}
