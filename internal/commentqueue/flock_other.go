//go:build !unix

package commentqueue

// lockFile is a no-op where flock is unavailable; the rename in
// SetReplyMode still keeps readers from seeing partial writes.
func lockFile(string, bool) (func(), error) {
	return func() {}, nil
}
