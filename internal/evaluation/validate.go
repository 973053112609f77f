package evaluation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"chronicle/governance/internal/store"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("steptype", func(fl validator.FieldLevel) bool {
		switch store.StepType(fl.Field().String()) {
		case store.StepFeedback, store.StepRubric, store.StepPassFail, store.StepVote, store.StepSignDocuments:
			return true
		}
		return false
	})
	_ = validate.RegisterValidation("policy", func(fl validator.FieldLevel) bool {
		switch store.PolicyName(fl.Field().String()) {
		case "", store.PolicyRequiredReviews, store.PolicyAllReviewers, store.PolicyAverageThreshold:
			return true
		}
		return false
	})
	_ = validate.RegisterValidation("grantee", func(fl validator.FieldLevel) bool {
		switch store.GranteeKind(fl.Field().String()) {
		case store.GranteeRole, store.GranteeWorkspace, store.GranteeUser:
			return true
		}
		return false
	})
	_ = validate.RegisterValidation("level", func(fl validator.FieldLevel) bool {
		switch store.PermissionLevel(fl.Field().String()) {
		case store.LevelView, store.LevelComment, store.LevelEdit, store.LevelMove:
			return true
		}
		return false
	})
}

// validateInput runs struct validation and converts failures into an
// InvalidInput error keyed by field namespace.
func validateInput(input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return invalidInput(err.Error(), nil)
	}
	details := make(map[string]string, len(fieldErrs))
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		name := fe.Namespace()
		if idx := strings.Index(name, "."); idx >= 0 {
			name = name[idx+1:]
		}
		details[name] = fe.Tag()
		fields = append(fields, name)
	}
	return invalidInput(fmt.Sprintf("invalid fields: %s", strings.Join(fields, ", ")), details)
}
