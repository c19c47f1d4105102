// Package token implements pointer-follow placement and movement of spatial
// objects. New objects follow the cursor as a local preview and hit the store
// only on commit, so dragging never causes write storms.
package token

import (
	"encoding/json"
)

type SizeClass string

const (
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
)

// SizePixels maps a size class to its world-pixel diameter.
func SizePixels(size SizeClass) float64 {
	switch size {
	case SizeSmall:
		return 40
	case SizeLarge:
		return 80
	default:
		return 60
	}
}

// Token is a placed spatial object. Position is last-write-wins and mutable
// by any client with movement permission; identity and lifecycle fields
// belong to the authoritative client alone.
type Token struct {
	ID        string    `json:"id"`
	ImageRef  string    `json:"imageRef"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	OwnerName string    `json:"ownerName"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Size      SizeClass `json:"size"`
	PlacedAt  int64     `json:"placedAt"`
}

// Template describes a library entry picked up for placement.
type Template struct {
	ImageRef string
	Name     string
	Color    string
	Size     SizeClass
}

func decodeToken(raw any) (Token, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Token{}, err
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, err
	}
	if t.Size == "" {
		t.Size = SizeMedium
	}
	return t, nil
}
