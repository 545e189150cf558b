package httpclient

import "net/url"

// redact hides credentials carried in query strings before URLs reach the logs.
func redact(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	query := parsed.Query()
	changed := false
	for _, key := range []string{"apikey", "apiKey", "signature"} {
		if query.Has(key) {
			query.Set(key, "***")
			changed = true
		}
	}
	if !changed {
		return raw
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
