/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package config

// Dir is the path to the config-dir root (§3's "config-dir" option): the
// directory holding config.toml, ca/, and filters/. It is resolved once at
// startup from the -config-dir flag or PRIVAXY_CONFIG_DIR and must not
// change afterwards.
//
// Relative unix-socket paths in ParseEndpoint are resolved against it.
var Dir string
