package domain

import (
	"fmt"
	"net/url"
	"strings"
)

// UploadURL resolves where a worker-uploaded file can be fetched from.
// s3:// URIs are rewritten to a path-style https URL using the bucketName
// query parameter; http(s) URIs get the filename appended.
func UploadURL(uploadURI, filename string) (string, error) {
	u, err := url.Parse(uploadURI)
	if err != nil {
		return "", Validationf("invalid upload uri %q: %v", uploadURI, err)
	}
	switch u.Scheme {
	case "s3":
		bucket := u.Query().Get("bucketName")
		if bucket == "" {
			return "", Validationf("s3 upload uri %q has no bucketName", uploadURI)
		}
		return fmt.Sprintf("https://%s/%s/%s", u.Host, bucket, filename), nil
	case "http", "https":
		u.RawQuery = ""
		u.Fragment = ""
		s := u.String()
		if !strings.HasSuffix(s, "/") {
			s += "/"
		}
		return s + filename, nil
	default:
		return "", Validationf("unsupported upload scheme %q", u.Scheme)
	}
}
