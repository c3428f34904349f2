package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// NormalizePlayerEvent trims identifiers and drops an empty external id.
func NormalizePlayerEvent(evt PlayerEvent) PlayerEvent {
	evt.ServerID = strings.TrimSpace(evt.ServerID)
	evt.PlayerName = strings.TrimSpace(evt.PlayerName)
	if evt.ExternalPlayerID != nil {
		id := strings.TrimSpace(*evt.ExternalPlayerID)
		if id == "" {
			evt.ExternalPlayerID = nil
		} else {
			evt.ExternalPlayerID = &id
		}
	}
	return evt
}

// ValidatePlayerEvent checks a feed event before it reaches the reconciler.
func ValidatePlayerEvent(evt PlayerEvent) error {
	err := getValidator().Struct(evt)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return ErrValidation(fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()))
	}
	return ErrValidation(err.Error())
}
