package logging

import (
	"fmt"
	"os"

	"github.com/mdp/qrterminal/v3"
)

// PrintQRCode renders url as a half-block QR code on stderr so it can
// be scanned from a phone or a second machine.
func PrintQRCode(url string) {
	fmt.Fprintln(os.Stderr)
	qrterminal.GenerateHalfBlock(url, qrterminal.L, os.Stderr)
	fmt.Fprintln(os.Stderr)
}
