package capability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var macOSNames = map[string]string{
	"10.6":  "Snow Leopard",
	"10.7":  "Lion",
	"10.8":  "Mountain Lion",
	"10.9":  "Mavericks",
	"10.10": "Yosemite",
	"10.11": "El Capitan",
}

// IsBrowserStack reports whether a provider host needs capabilities in
// BrowserStack naming.
func IsBrowserStack(host string) bool {
	return strings.Contains(host, "browserstack")
}

// ToBrowserStack rewrites Sauce Labs style capabilities into the attribute
// names BrowserStack Automate expects. attrs is modified and returned.
func ToBrowserStack(attrs map[string]any) map[string]any {
	if String(attrs, "platformName") == "iOS" {
		attrs["platform"] = "MAC"
		attrs["browserName"] = "iPhone"
		return attrs
	}

	if String(attrs, "browserName") == "android" {
		attrs["platform"] = "ANDROID"
		if String(attrs, "device") == "" {
			attrs["device"] = strings.Replace(String(attrs, "deviceName"), " Emulator", "", 1)
		}
		delete(attrs, "deviceName")
		return attrs
	}

	if res := String(attrs, "screen-resolution"); res != "" {
		attrs["resolution"] = res
	}

	platform := String(attrs, "platform")
	osParts := strings.SplitN(platform, " ", 2)
	osVersion := ""
	if len(osParts) > 1 {
		osVersion = osParts[1]
	}
	switch {
	case strings.Contains(platform, "Windows"):
		attrs["os"] = osParts[0]
		attrs["os_version"] = osVersion
	case strings.Contains(platform, "Mac"):
		attrs["os"] = "OS X"
		if name, ok := macOSNames[osVersion]; ok {
			attrs["os_version"] = name
		}
	}

	if version := String(attrs, "version"); version != "" {
		if !strings.Contains(version, ".") {
			version += ".0"
		}
		attrs["browser_version"] = version
	}
	attrs["browser"] = upperFirst(String(attrs, "browserName"))
	return attrs
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
