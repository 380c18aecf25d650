package models

import "fmt"

// VendorKind identifies which external review platform a record belongs to
type VendorKind string

const (
	VendorAppStore   VendorKind = "appstore"
	VendorGooglePlay VendorKind = "googleplay"
)

// VendorKinds lists every supported vendor
var VendorKinds = []VendorKind{VendorAppStore, VendorGooglePlay}

// ParseVendorKind converts user input into a VendorKind
func ParseVendorKind(s string) (VendorKind, error) {
	switch VendorKind(s) {
	case VendorAppStore, VendorGooglePlay:
		return VendorKind(s), nil
	case "ios", "apple":
		return VendorAppStore, nil
	case "android", "play":
		return VendorGooglePlay, nil
	}
	return "", fmt.Errorf("unknown vendor %q", s)
}

// DisplayName returns a human readable vendor name
func (v VendorKind) DisplayName() string {
	switch v {
	case VendorAppStore:
		return "App Store"
	case VendorGooglePlay:
		return "Google Play"
	}
	return string(v)
}
