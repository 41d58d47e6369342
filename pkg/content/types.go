// Package content stores generated posts once per user, platform, and text.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
)

const (
	maxPlatformLength = 32
	hashLength        = sha256.Size * 2
	hashSeparator     = "\x00"
)

// Platform is a lower-cased publishing target such as "instagram".
type Platform struct {
	value string
}

// NewPlatform validates and lower-cases a platform token.
func NewPlatform(raw string) (Platform, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return Platform{}, fmt.Errorf("%w: empty value", ErrInvalidPlatform)
	}
	if len(normalized) > maxPlatformLength {
		return Platform{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidPlatform, maxPlatformLength)
	}
	for _, character := range normalized {
		isLetter := character >= 'a' && character <= 'z'
		isDigit := character >= '0' && character <= '9'
		if !isLetter && !isDigit && character != '_' && character != '-' {
			return Platform{}, fmt.Errorf("%w: unexpected character %q", ErrInvalidPlatform, character)
		}
	}
	return Platform{value: normalized}, nil
}

// String returns the platform token.
func (platform Platform) String() string {
	return platform.value
}

// Text is non-blank generated content. Surrounding whitespace is trimmed.
type Text struct {
	value string
}

// NewText validates generated content.
func NewText(raw string) (Text, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Text{}, fmt.Errorf("%w: empty value", ErrInvalidContent)
	}
	return Text{value: trimmed}, nil
}

// String returns the trimmed text.
func (text Text) String() string {
	return text.value
}

// ContentHash is the hex SHA-256 identity of a (user, platform, text) triple.
type ContentHash struct {
	value string
}

// ParseContentHash validates a stored hash.
func ParseContentHash(raw string) (ContentHash, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if len(normalized) != hashLength {
		return ContentHash{}, fmt.Errorf("%w: expected %d hex characters", ErrInvalidContentHash, hashLength)
	}
	if _, err := hex.DecodeString(normalized); err != nil {
		return ContentHash{}, fmt.Errorf("%w: %v", ErrInvalidContentHash, err)
	}
	return ContentHash{value: normalized}, nil
}

// String returns the hex digest.
func (hash ContentHash) String() string {
	return hash.value
}

// Hash derives the content hash. Only surrounding whitespace is ignored; near-duplicates hash differently.
func Hash(userID ledger.UserID, platform Platform, text Text) ContentHash {
	digest := sha256.Sum256([]byte(userID.String() + hashSeparator + platform.String() + hashSeparator + text.String()))
	return ContentHash{value: hex.EncodeToString(digest[:])}
}

// ContentID identifies a stored content row.
type ContentID struct {
	value string
}

// NewContentID validates a content id.
func NewContentID(raw string) (ContentID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ContentID{}, fmt.Errorf("%w: empty value", ErrInvalidContentID)
	}
	return ContentID{value: trimmed}, nil
}

// String returns the identifier.
func (id ContentID) String() string {
	return id.value
}

// Record is a stored generated content row.
type Record struct {
	ContentID      ContentID
	UserID         ledger.UserID
	Platform       Platform
	ContentHash    ContentHash
	Text           Text
	Metadata       ledger.MetadataJSON
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Input is a content row ready for insertion.
type Input struct {
	UserID         ledger.UserID
	Platform       Platform
	ContentHash    ContentHash
	Text           Text
	Metadata       ledger.MetadataJSON
	CreatedUnixUTC int64
}

// Outcome reports whether InsertIfNew stored a new row.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeDuplicate Outcome = "duplicate"
)

// InsertResult is the explicit result of InsertIfNew.
type InsertResult struct {
	Outcome     Outcome
	ContentID   ContentID
	ContentHash ContentHash
}

// Inserted reports whether a new row was stored.
func (result InsertResult) Inserted() bool {
	return result.Outcome == OutcomeInserted
}
