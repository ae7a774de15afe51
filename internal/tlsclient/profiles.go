package tlsclient

import (
	"fmt"
	"sort"

	utls "github.com/refraction-networking/utls"
)

// profiles maps the rotation labels onto the ClientHello presets utls can
// emit. The label set is the enumeration the health registry rotates over;
// anything outside it (an operator-supplied pool file can name arbitrary
// labels) fails fetch with an unsupported-profile error and ends up on the
// persistent blacklist.
var profiles = map[string]utls.ClientHelloID{
	"chrome58":  utls.HelloChrome_58,
	"chrome62":  utls.HelloChrome_62,
	"chrome70":  utls.HelloChrome_70,
	"chrome72":  utls.HelloChrome_72,
	"chrome83":  utls.HelloChrome_83,
	"chrome87":  utls.HelloChrome_87,
	"chrome96":  utls.HelloChrome_96,
	"chrome100": utls.HelloChrome_100,
	"chrome102": utls.HelloChrome_102,
	"chrome106": utls.HelloChrome_106_Shuffle,
	"chrome120": utls.HelloChrome_120,
	"chrome131": utls.HelloChrome_131,

	"firefox55":  utls.HelloFirefox_55,
	"firefox56":  utls.HelloFirefox_56,
	"firefox63":  utls.HelloFirefox_63,
	"firefox65":  utls.HelloFirefox_65,
	"firefox99":  utls.HelloFirefox_99,
	"firefox102": utls.HelloFirefox_102,
	"firefox105": utls.HelloFirefox_105,
	"firefox120": utls.HelloFirefox_120,

	"safari16_0": utls.HelloSafari_16_0,
	"ios11_1":    utls.HelloIOS_11_1,
	"ios12_1":    utls.HelloIOS_12_1,
	"ios13":      utls.HelloIOS_13,
	"ios14":      utls.HelloIOS_14,

	"edge85":  utls.HelloEdge_85,
	"edge106": utls.HelloEdge_106,
}

// Profiles returns the sorted list of labels the runtime can impersonate.
// This is the default fingerprint pool.
func Profiles() []string {
	out := make([]string, 0, len(profiles))
	for label := range profiles {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// helloFor resolves a label to its ClientHello preset. The error text carries
// the "not supported" marker the classifier keys on.
func helloFor(label string) (utls.ClientHelloID, error) {
	id, ok := profiles[label]
	if !ok {
		return utls.ClientHelloID{}, fmt.Errorf("impersonating %s is not supported by this runtime", label)
	}
	return id, nil
}
