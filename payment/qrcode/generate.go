package qrcode

import (
	qrcode "github.com/skip2/go-qrcode"
)

// GeneratePixQRCode renders the provider's copy-paste code (br-code) as a
// PNG, for display on the checkout page.
func GeneratePixQRCode(brCode string) ([]byte, error) {
	return qrcode.Encode(brCode, qrcode.Medium, 256)
}
