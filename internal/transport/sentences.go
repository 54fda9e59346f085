package transport

import "regexp"

var (
	// One or two $GP sentences followed by the D-PRS station and comment tail.
	nmeaPattern = regexp.MustCompile(`((?:\$GP[^*]+\*[A-Fa-f0-9]{2}\r?\n?){1,2}.{8},.{20})`)
	gpsAPattern = regexp.MustCompile(`(\$\$CRC[A-Za-z0-9]{4},[^\r]*\r)`)
)

// MatchSentence finds the first GPS sentence embedded in buf and names
// its kind ("nmea" or "gps-a").
func MatchSentence(buf []byte) (match []byte, kind string) {
	if m := nmeaPattern.Find(buf); m != nil {
		return m, "nmea"
	}
	if m := gpsAPattern.Find(buf); m != nil {
		return m, "gps-a"
	}
	return nil, ""
}
