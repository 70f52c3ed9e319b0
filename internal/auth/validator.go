package auth

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type SignupRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	FullName string `json:"full_name" validate:"max=64"`
	Bio      string `json:"bio" validate:"max=280"`
}

// ProfileRequest replaces the editable profile. AvatarRef is a ref returned
// by the upload endpoint; empty keeps the current picture.
type ProfileRequest struct {
	FullName  string `json:"full_name" validate:"max=64"`
	Bio       string `json:"bio" validate:"max=280"`
	AvatarRef string `json:"avatar_ref" validate:"max=64"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (r *SignupRequest) normalize() {
	r.Username = strings.ToLower(strings.TrimSpace(r.Username))
	r.FullName = strings.TrimSpace(r.FullName)
	r.Bio = strings.TrimSpace(r.Bio)
}

func (r *LoginRequest) normalize() {
	r.Username = strings.ToLower(strings.TrimSpace(r.Username))
}

func (r *ProfileRequest) normalize() {
	r.FullName = strings.TrimSpace(r.FullName)
	r.Bio = strings.TrimSpace(r.Bio)
	r.AvatarRef = strings.TrimSpace(r.AvatarRef)
}
