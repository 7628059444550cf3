package model

import (
	"errors"
	"math"
	"time"
)

// FieldType — тип поля на странице документа.
type FieldType string

const (
	FieldSignature FieldType = "signature"
	FieldInitial   FieldType = "initial"
	FieldDate      FieldType = "date"
	FieldText      FieldType = "text"
)

// IsValid возвращает true для известных типов поля.
func (t FieldType) IsValid() bool {
	switch t {
	case FieldSignature, FieldInitial, FieldDate, FieldText:
		return true
	}
	return false
}

// SignatureField — место на странице, которое заполняет получатель.
// Координаты и размеры — в пунктах PDF от левого верхнего угла страницы.
type SignatureField struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	RecipientID string    `json:"recipient_id"`
	SignerEmail string    `json:"signer_email"`
	Page        int       `json:"page"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Width       float64   `json:"width"`
	Height      float64   `json:"height"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidatePlacement проверяет страницу, координаты и тип поля.
func (f *SignatureField) ValidatePlacement() error {
	switch {
	case f.Page < 1:
		return errors.New("номер страницы начинается с 1")
	case !finite(f.X, f.Y, f.Width, f.Height):
		return errors.New("координаты поля должны быть конечными числами")
	case f.X < 0 || f.Y < 0:
		return errors.New("координаты поля не могут быть отрицательными")
	case f.Width <= 0 || f.Height <= 0:
		return errors.New("размеры поля должны быть положительными")
	case !f.Type.IsValid():
		return errors.New("недопустимый тип поля")
	}
	return nil
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
