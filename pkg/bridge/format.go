// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"fmt"
	"strings"

	"github.com/aiku/mautrix-iot/pkg/bridge/deviceapi"
	"github.com/aiku/mautrix-iot/pkg/bridge/store"
)

const helpMessage = `
<p>This is your management room:</p>
<h4>General</h4>
<strong>help</strong> - Show this help message<br>
<strong>cancel</strong> - Cancel running command<br>
<h4>Devices</h4>
<strong>register</strong> - Register new IoT device<br>
<strong>list</strong> - List registered devices<br>
<strong>info</strong> <em>&lt;name&gt;</em> - Details about a device<br>
`

const unknownCommandMessage = "This is not a registered command. Send <strong>help</strong> " +
	"for the available commands."

const noDevicesMessage = "There are no registered devices."

// matrixToURL returns a matrix.to link for a room or user ID.
func matrixToURL(target string) string {
	return "https://matrix.to/#/" + target
}

// maskToken hides an access token except for its last six characters.
func maskToken(token string) string {
	tail := token
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	return strings.Repeat("*", 10) + tail
}

// formatDeviceList renders the device listing for the list flow.
func formatDeviceList(devices []*store.Entity) string {
	var b strings.Builder
	b.WriteString("<ul> <br> ")
	for _, device := range devices {
		fmt.Fprintf(&b, `
 <li> %s
 <ul>
 <li> <strong> Host: </strong> %s </li>
 <li> <strong> Room: </strong> <a href="%s"> %s </a> </li>
 </ul>
 </li>
 <br> `,
			device.Name, device.Host,
			matrixToURL(string(device.RoomID)), device.RoomID)
	}
	b.WriteString(" </ul> ")
	return b.String()
}

// formatDeviceInfo renders the attribute listing for the info flow.
func formatDeviceInfo(device *store.Entity) string {
	return fmt.Sprintf(`
<ul>
 <li> <strong> ID: </strong> %d </li>
 <li> <strong> Name: </strong> %s </li>
 <li> <strong> Description: </strong> %s </li>
 <li> <strong> Host: </strong> %s </li>
 <li> <strong> User: </strong> <a href="%s"> %s </a> </li>
 <li> <strong> Room: </strong> <a href="%s"> %s </a> </li>
 <li> <strong> Access token: </strong> %s </li>
</ul>
`,
		device.ID, device.Name, device.Description, device.Host,
		matrixToURL(string(device.MatrixID)), device.MatrixID,
		matrixToURL(string(device.RoomID)), device.RoomID,
		maskToken(device.AccessToken))
}

// formatCommands renders a device's command catalog for the help reply in
// a device room.
func formatCommands(commands []deviceapi.Command) string {
	var b strings.Builder
	for _, command := range commands {
		placeholders := make([]string, len(command.Args))
		for i, arg := range command.Args {
			placeholders[i] = fmt.Sprintf("<em>&lt;%s&gt;</em>", arg)
		}
		fmt.Fprintf(&b, "<strong> %s </strong> %s - %s <br>\n",
			command.Name, strings.Join(placeholders, " "), command.Description)
	}
	return b.String()
}
