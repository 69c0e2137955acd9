package devices

import "fmt"

func shortIOError(op string, got, want int) error {
	return fmt.Errorf("devices: short %s: got %d bytes, want %d", op, got, want)
}
