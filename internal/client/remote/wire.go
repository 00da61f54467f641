package remote

import (
	"time"

	"github.com/atinyakov/GophSession/internal/models"
)

// wireIdentity is the identity object as the service sends it. Only the
// fields the coordinator needs survive toSession.
type wireIdentity struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	IsAnonymous bool   `json:"is_anonymous"`
	Name        string `json:"name"`
	AvatarURL   string `json:"avatar_url"`
	Email       string `json:"email"`
}

type wireSession struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Identity     *wireIdentity `json:"identity"`
}

// tokenBundle is what the client keeps under SessionKey.
type tokenBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

func (w *wireSession) bundle() tokenBundle {
	return tokenBundle{AccessToken: w.AccessToken, RefreshToken: w.RefreshToken, ExpiresAt: w.ExpiresAt}
}

// toSession adapts the wire shape to models.Session. A session without an
// identity is malformed.
func (w *wireSession) toSession() (*models.Session, error) {
	if w.Identity == nil || w.Identity.ID == "" {
		return nil, errMalformed
	}
	id := models.Identity{
		ID:        w.Identity.ID,
		Provider:  w.Identity.Provider,
		Anonymous: w.Identity.IsAnonymous,
	}
	s := &models.Session{
		IdentityKey: w.Identity.ID,
		Provider:    id.Kind(),
		AccessToken: w.AccessToken,
		ExpiresAt:   w.ExpiresAt,
		Attributes:  map[string]string{models.AttrProvider: w.Identity.Provider},
	}
	for k, v := range map[string]string{
		models.AttrName:      w.Identity.Name,
		models.AttrAvatarURL: w.Identity.AvatarURL,
		models.AttrEmail:     w.Identity.Email,
	} {
		if v != "" {
			s.Attributes[k] = v
		}
	}
	return s, nil
}
