package pveinventory

import "strings"

// ParsePropertyString parses values like "name=eth0,hwaddr=AA:BB:CC:DD:EE:FF,ip=dhcp"
// as used in guest configs. Segments are split on "," and then on the first "=".
// A segment without "=" maps to "". There is no escaping, values can not
// contain commas.
func ParsePropertyString(s string) map[string]string {
	props := make(map[string]string)

	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		props[key] = value
	}

	return props
}
