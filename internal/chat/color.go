package chat

import (
	"fmt"
	"hash/fnv"
)

// SystemColor is reserved for messages the client or server generates.
const SystemColor = "hsl(0, 0%, 55%)"

// Color derives a stable display color from a sender name.
func Color(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	sum := h.Sum32()

	hue := sum % 360
	saturation := 55 + (sum>>9)%25
	lightness := 40 + (sum>>17)%20
	return fmt.Sprintf("hsl(%d, %d%%, %d%%)", hue, saturation, lightness)
}
