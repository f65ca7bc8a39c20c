package gateway

import "net/url"

// urlRule says how an endpoint treats the url query parameter.
type urlRule int

const (
	urlIgnored urlRule = iota
	urlIfPresent
	urlRequiredOnGet
)

// forwardEndpoints lists every endpoint proxied to the backend.
var forwardEndpoints = map[string]urlRule{
	"playlist":                       urlRequiredOnGet,
	"playlist-with-rekordbox":        urlRequiredOnGet,
	"playlist_with_rekordbox":        urlRequiredOnGet,
	"playlist-with-rekordbox-upload": urlIfPresent,
	"match_snapshot_with_xml":        urlIgnored,
	"match-snapshot-with-xml":        urlIgnored,
}

// Admission endpoint names for the share routes.
const (
	shareCreateEndpoint = "share"
	shareGetEndpoint    = "share_get"
)

// urlParams returns the url parameter values to validate, and whether
// validation applies to this request at all.
func (r urlRule) urlParams(method string, q url.Values) ([]string, bool) {
	values, present := q["url"]
	switch r {
	case urlRequiredOnGet:
		return values, present || method == "GET"
	case urlIfPresent:
		return values, present
	}
	return nil, false
}
