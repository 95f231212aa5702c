// Package locate builds a store.Store from a destination URL, shared by
// every cmd/ binary that opens a destination (vaultctl, vaultd,
// vaultbench). Grounded on cmd/bendo/location.go's parselocation, with
// the blackpearl branch dropped since no BlackPearl tape-store code
// survived the transformation (see DESIGN.md).
package locate

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/ndlib/vaultkeep/store"
)

// SplitBucketPrefix separates a bucket name from a path's prefix, always
// returning a prefix that is empty or slash-terminated.
func SplitBucketPrefix(location string) (bucket, prefix string) {
	if location == "" {
		return
	}
	location = strings.TrimPrefix(location, "/")
	v := strings.SplitN(location, "/", 2)
	bucket = v[0]
	if len(v) > 1 {
		prefix = v[1]
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return
}

// Location builds the store.Store a destination URL names. An empty
// location yields an in-memory store, useful for vaultbench runs that
// never need to persist past the process.
func Location(location string) (store.Store, error) {
	if location == "" {
		return store.NewMemory(), nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parsing destination %q: %w", location, err)
	}
	switch u.Scheme {
	case "", "file":
		path := u.Path
		if path == "" {
			path = location
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, err
		}
		return store.NewFileSystem(path), nil
	case "s3":
		conf := &aws.Config{}
		if u.Host != "" {
			conf.Endpoint = aws.String(u.Host)
			conf.Region = aws.String("us-east-1")
			if strings.Contains(u.Host, "localhost") {
				conf.DisableSSL = aws.Bool(true)
				conf.S3ForcePathStyle = aws.Bool(true)
			}
		}
		bucket, prefix := SplitBucketPrefix(u.Path)
		if bucket == "" {
			return nil, fmt.Errorf("destination %q has no bucket name", location)
		}
		sess, err := session.NewSession(conf)
		if err != nil {
			return nil, err
		}
		return store.NewS3(bucket, prefix, sess), nil
	default:
		return nil, fmt.Errorf("destination %q: unrecognized scheme %q", location, u.Scheme)
	}
}

// CatalogPath resolves a possibly-relative config catalog_path against
// the current working directory.
func CatalogPath(cfgPath string) string {
	if filepath.IsAbs(cfgPath) {
		return cfgPath
	}
	dir, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}
	return filepath.Join(dir, cfgPath)
}
