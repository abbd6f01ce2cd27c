package livekit

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL bounds the validity of minted access tokens.
const DefaultTokenTTL = time.Hour

// Capabilities is the set of permissions granted to a participant.
type Capabilities struct {
	Join        bool
	Publish     bool
	Subscribe   bool
	PublishData bool
}

// DefaultCapabilities are granted to room participants.
var DefaultCapabilities = Capabilities{Join: true, Publish: true, Subscribe: true, PublishData: true}

// VideoGrant is the LiveKit "video" claim.
type VideoGrant struct {
	RoomCreate     bool   `json:"roomCreate,omitempty"`
	RoomList       bool   `json:"roomList,omitempty"`
	RoomAdmin      bool   `json:"roomAdmin,omitempty"`
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	Room           string `json:"room,omitempty"`
	CanPublish     *bool  `json:"canPublish,omitempty"`
	CanSubscribe   *bool  `json:"canSubscribe,omitempty"`
	CanPublishData *bool  `json:"canPublishData,omitempty"`
}

// Claims is the LiveKit access token payload.
type Claims struct {
	jwt.RegisteredClaims
	Name  string      `json:"name,omitempty"`
	Video *VideoGrant `json:"video,omitempty"`
	// SHA256 is only set on webhook tokens: base64 of the body digest.
	SHA256 string `json:"sha256,omitempty"`
}

// Credential is a minted token with the server URL the client connects to.
type Credential struct {
	Token     string    `json:"token"`
	ServerURL string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issuer mints room-scoped access tokens.
type Issuer struct {
	creds Credentials
	ttl   time.Duration
	now   func() time.Time
}

// NewIssuer creates an issuer. Missing credentials are reported per Mint call.
func NewIssuer(creds Credentials, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{creds: creds, ttl: ttl, now: time.Now}
}

// Ready returns *domain.ConfigurationError if credentials are absent.
func (i *Issuer) Ready() error {
	return i.creds.configError()
}

// Mint issues a token for participant in the room identified by ref, granting
// exactly caps. It returns *domain.ConfigurationError if credentials are absent.
func (i *Issuer) Mint(ref, participant string, caps Capabilities) (*Credential, error) {
	if err := i.creds.configError(); err != nil {
		return nil, err
	}
	verr := &domain.ValidationError{}
	if strings.TrimSpace(ref) == "" {
		verr.Add("roomRef", "is required")
	}
	if strings.TrimSpace(participant) == "" {
		verr.Add("participantName", "is required")
	}
	if verr.HasErrors() {
		return nil, verr
	}

	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.creds.APIKey,
			Subject:   participant,
			ID:        participant,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Name: participant,
		Video: &VideoGrant{
			Room:           ref,
			RoomJoin:       caps.Join,
			CanPublish:     boolPtr(caps.Publish),
			CanSubscribe:   boolPtr(caps.Subscribe),
			CanPublishData: boolPtr(caps.PublishData),
		},
	}

	token, err := i.sign(claims)
	if err != nil {
		return nil, err
	}
	return &Credential{Token: token, ServerURL: i.creds.URL, ExpiresAt: expiresAt}, nil
}

// serviceToken signs a short-lived token for server API calls.
func (i *Issuer) serviceToken(grant VideoGrant) (string, error) {
	if err := i.creds.configError(); err != nil {
		return "", err
	}
	now := i.now()
	return i.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.creds.APIKey,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		},
		Video: &grant,
	})
}

func (i *Issuer) sign(claims Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.creds.APISecret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return token, nil
}

func boolPtr(b bool) *bool {
	return &b
}
