package cache

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/andresmejia3/facemerge/internal/types"
)

const handoffPrefix = "facemerge:handoff:"

var (
	imageKeyRe = regexp.MustCompile(`^[0-9A-Za-z-]+$`)
	faceKeyRe  = regexp.MustCompile(`^([0-9A-Za-z-]+)_face([1-9][0-9]*)$`)
)

// FaceKey names the Nth detected face (1-based) of an image.
func FaceKey(hash string, n int) string {
	return fmt.Sprintf("%s_face%d", hash, n)
}

// FlagKey is the completion flag a stage sets for a face.
func FlagKey(faceKey string, s types.Stage) string {
	return faceKey + "_" + string(s) + "_done"
}

// FrameKey holds the compressed image bytes used by handoff and reconciliation.
func FrameKey(hash string) string {
	return hash + "_frame"
}

// BusyKey marks an image-level run of a stage as in progress.
func BusyKey(hash string, s types.Stage) string {
	return hash + "_" + string(s) + "_busy"
}

func countKey(faceKey string) string     { return faceKey + "_done_count" }
func forwardedKey(faceKey string) string { return faceKey + "_forwarded" }
func claimKey(faceKey string) string     { return faceKey + "_forward_claim" }
func attemptsKey(faceKey string) string  { return faceKey + "_reconcile_attempts" }
func handoffKey(s types.Stage) string    { return handoffPrefix + string(s) }

// ParseKey splits a key into its content hash and face index.
// An image-level key returns index 0.
func ParseKey(key string) (hash string, face int, err error) {
	if m := faceKeyRe.FindStringSubmatch(key); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return "", 0, fmt.Errorf("%w: %q", types.ErrInvalidKey, key)
		}
		return m[1], n, nil
	}
	if imageKeyRe.MatchString(key) {
		return key, 0, nil
	}
	return "", 0, fmt.Errorf("%w: %q", types.ErrInvalidKey, key)
}
