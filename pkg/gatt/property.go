package gatt

import "strings"

// Property is a bitmask of characteristic access permissions.
type Property uint16

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteNoResponse
	PropNotify
	PropIndicate
	PropReadEncrypted  // Reads require an encrypted link.
	PropWriteEncrypted // Writes require an encrypted link.
)

var propertyNames = []struct {
	prop Property
	name string
}{
	{PropRead, "read"},
	{PropWrite, "write"},
	{PropWriteNoResponse, "write-no-response"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropReadEncrypted, "read-encrypted"},
	{PropWriteEncrypted, "write-encrypted"},
}

// Has returns true if every bit of q is set in p.
func (p Property) Has(q Property) bool {
	return p&q == q
}

// Without returns p with the bits of q cleared.
func (p Property) Without(q Property) Property {
	return p &^ q
}

func (p Property) String() string {
	var names []string
	for _, entry := range propertyNames {
		if p.Has(entry.prop) {
			names = append(names, entry.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
