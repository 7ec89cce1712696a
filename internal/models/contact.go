package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LinkPrecedence marks a contact as the canonical record of its cluster or as a folded-in one
type LinkPrecedence string

const (
	LinkPrecedencePrimary   LinkPrecedence = "primary"
	LinkPrecedenceSecondary LinkPrecedence = "secondary"
)

// Valid reports whether p is one of the known precedences
func (p LinkPrecedence) Valid() bool {
	return p == LinkPrecedencePrimary || p == LinkPrecedenceSecondary
}

// Contact represents a customer contact in the database
type Contact struct {
	ID             int64          `json:"id"`
	PhoneNumber    *string        `json:"phoneNumber,omitempty"`
	Email          *string        `json:"email,omitempty"`
	LinkedID       *int64         `json:"linkedId,omitempty"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
}

// IsPrimary reports whether the contact currently heads its cluster
func (c Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrecedencePrimary
}

// IdentifyRequest represents the incoming request body
type IdentifyRequest struct {
	Email       *string     `json:"email"`
	PhoneNumber *FlexString `json:"phoneNumber"`
}

// EmailValue returns the trimmed email, or nil when it is absent or blank
func (r IdentifyRequest) EmailValue() *string {
	return normalize(r.Email)
}

// PhoneNumberValue returns the trimmed phone number, or nil when it is absent or blank
func (r IdentifyRequest) PhoneNumberValue() *string {
	if r.PhoneNumber == nil {
		return nil
	}
	s := string(*r.PhoneNumber)
	return normalize(&s)
}

func normalize(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// FlexString decodes from either a JSON string or a JSON number.
// Phone numbers arrive both ways from clients.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("phoneNumber must be a string or a number")
	}
	*f = FlexString(n.String())
	return nil
}

// ContactResponse represents the contact data in the response
type ContactResponse struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse represents the response body
type IdentifyResponse struct {
	Contact ContactResponse `json:"contact"`
}
