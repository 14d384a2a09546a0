package edge

import (
	"net/http"

	"github.com/polisai/polis-edge/pkg/cookies"
	"github.com/polisai/polis-edge/pkg/domain"
)

// Finish appends the identity cookies to header. The anonymous id cookie is
// always written; the profile cache cookie only when the cache encodes.
// Existing headers are left alone.
func Finish(header http.Header, profile domain.Profile, cache domain.ProfileCache) error {
	header.Add("Set-Cookie", cookies.SetCookie(cookies.AnonymousIDCookie, profile.ID))

	encoded, err := cookies.EncodeProfileCache(cache)
	if err != nil {
		return err
	}
	header.Add("Set-Cookie", cookies.SetCookie(cookies.ProfileCacheCookie, encoded))
	return nil
}
