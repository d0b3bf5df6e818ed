/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package capability signs and parses attachment access tokens of the form
//
//	<image_id>:<user_id>:<participant_1>:<participant_2>:<ts>:<hmac>
//
// where participants are sorted, ts is in Unix seconds and hmac is the lowercase
// hex HMAC-SHA256 of everything before the last colon.
package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformed      = errors.New("malformed attachment token")
	ErrBadSignature   = errors.New("attachment token signature mismatch")
	ErrInvalidSubject = errors.New("token identifiers must be non-empty and free of ':'")
)

type Token struct {
	ImageID      string
	UserID       string
	Participants [2]string
	IssuedAt     time.Time
	MAC          string
}

// HasParticipant reports whether userID was part of the snapshotted participant set.
func (t *Token) HasParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	return t.Participants[0] == userID || t.Participants[1] == userID
}

// Age is how long ago the token was issued.
func (t *Token) Age(now time.Time) time.Duration {
	return now.Sub(t.IssuedAt)
}

func (t *Token) payload() string {
	return strings.Join([]string{
		t.ImageID,
		t.UserID,
		t.Participants[0],
		t.Participants[1],
		strconv.FormatInt(t.IssuedAt.Unix(), 10),
	}, ":")
}

func (t *Token) String() string {
	return t.payload() + ":" + t.MAC
}

type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue signs a token for userID over the sorted participant set. A set with a
// single member leaves the second slot empty.
func (s *Signer) Issue(imageID, userID string, participants []string, at time.Time) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("attachment secret is not configured")
	}
	if !validPart(imageID) || !validPart(userID) {
		return "", ErrInvalidSubject
	}
	slots, err := sortedParticipants(participants)
	if err != nil {
		return "", err
	}

	tok := &Token{ImageID: imageID, UserID: userID, Participants: slots, IssuedAt: time.Unix(at.Unix(), 0).UTC()}
	tok.MAC = s.sign(tok.payload())
	return tok.String(), nil
}

// Verify compares the token MAC in constant time.
func (s *Signer) Verify(tok *Token) bool {
	if len(s.secret) == 0 {
		return false
	}
	expected := s.sign(tok.payload())
	return hmac.Equal([]byte(expected), []byte(tok.MAC))
}

func Parse(raw string) (*Token, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 6 {
		return nil, ErrMalformed
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" || parts[5] == "" {
		return nil, ErrMalformed
	}
	ts, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil || ts < 0 {
		return nil, ErrMalformed
	}
	if parts[4] != strconv.FormatInt(ts, 10) {
		return nil, ErrMalformed
	}

	return &Token{
		ImageID:      parts[0],
		UserID:       parts[1],
		Participants: [2]string{parts[2], parts[3]},
		IssuedAt:     time.Unix(ts, 0).UTC(),
		MAC:          parts[5],
	}, nil
}

func validPart(v string) bool {
	return v != "" && !strings.Contains(v, ":")
}

func sortedParticipants(participants []string) ([2]string, error) {
	var slots [2]string
	set := make([]string, 0, len(participants))
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p == "" || seen[p] {
			continue
		}
		if strings.Contains(p, ":") {
			return slots, ErrInvalidSubject
		}
		seen[p] = true
		set = append(set, p)
	}
	if len(set) == 0 || len(set) > 2 {
		return slots, fmt.Errorf("attachment tokens cover one or two participants, got %d", len(set))
	}
	sort.Strings(set)
	copy(slots[:], set)
	return slots, nil
}
