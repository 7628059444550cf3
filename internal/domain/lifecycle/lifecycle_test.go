package lifecycle

import (
	"errors"
	"testing"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

func TestCheckRequest(t *testing.T) {
	tests := []struct {
		from, to model.RequestStatus
		wantErr  bool
	}{
		{model.RequestPending, model.RequestCompleted, false},
		{model.RequestPending, model.RequestCancelled, false},
		{model.RequestPending, model.RequestExpired, false},
		{model.RequestPending, model.RequestPending, true},
		{model.RequestCompleted, model.RequestCancelled, true},
		{model.RequestCancelled, model.RequestPending, true},
		{model.RequestExpired, model.RequestCompleted, true},
	}

	for _, tt := range tests {
		err := CheckRequest(tt.from, tt.to)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckRequest(%s → %s): ошибка = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
		}
	}
}

func TestCheckRecipient(t *testing.T) {
	tests := []struct {
		from, to model.RecipientStatus
		wantErr  bool
	}{
		{model.RecipientPending, model.RecipientViewed, false},
		{model.RecipientPending, model.RecipientSigned, false},
		{model.RecipientViewed, model.RecipientViewed, false},
		{model.RecipientViewed, model.RecipientSigned, false},
		{model.RecipientViewed, model.RecipientPending, true},
		{model.RecipientSigned, model.RecipientViewed, true},
		{model.RecipientSigned, model.RecipientSigned, true},
	}

	for _, tt := range tests {
		err := CheckRecipient(tt.from, tt.to)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckRecipient(%s → %s): ошибка = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
		}
	}
}

func TestCheckDocument(t *testing.T) {
	tests := []struct {
		from, to model.DocumentStatus
		wantErr  bool
	}{
		{model.DocumentDraft, model.DocumentSent, false},
		{model.DocumentSent, model.DocumentPending, false},
		{model.DocumentPending, model.DocumentCompleted, false},
		{model.DocumentPending, model.DocumentDraft, false},
		{model.DocumentDraft, model.DocumentCompleted, true},
		{model.DocumentCompleted, model.DocumentCancelled, true},
		{model.DocumentCancelled, model.DocumentDraft, true},
	}

	for _, tt := range tests {
		err := CheckDocument(tt.from, tt.to)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckDocument(%s → %s): ошибка = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
		}
	}
}

func TestTransitionErrorCodes(t *testing.T) {
	err := CheckRequest(model.RequestCompleted, model.RequestCancelled)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("ожидался *TransitionError, получен %T", err)
	}
	if te.Code != CodeInvalidTransition {
		t.Errorf("ожидался код %s, получен %q", CodeInvalidTransition, te.Code)
	}

	err = CheckRequest("archived", model.RequestCancelled)
	if !errors.As(err, &te) || te.Code != CodeUnknownState {
		t.Errorf("для неизвестного состояния ожидался код %s, получено %v", CodeUnknownState, err)
	}
}

func TestParseOrderingMode(t *testing.T) {
	tests := []struct {
		in      string
		want    model.OrderingMode
		wantErr bool
	}{
		{"", model.OrderingSequential, false},
		{"sequential", model.OrderingSequential, false},
		{"parallel", model.OrderingParallel, false},
		{"random", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOrderingMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOrderingMode(%q): ошибка = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseOrderingMode(%q) = %q, ожидалось %q", tt.in, got, tt.want)
		}
	}
}
