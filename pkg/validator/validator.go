package validator

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	// Validate - singleton экземпляр валидатора для переиспользования
	Validate *validator.Validate

	reDecimal2 = regexp.MustCompile(`^\d{1,16}(\.\d{1,2})?$`)
	reCurrency = regexp.MustCompile(`^[A-Z]{3}$`)
)

func init() {
	Validate = validator.New()

	// Регистрируем кастомные валидаторы
	_ = Validate.RegisterValidation("decimal2", validateDecimal2)
	_ = Validate.RegisterValidation("currency", validateCurrency)
}

// validateDecimal2 проверяет неотрицательную сумму NUMERIC(18,2): "10", "10.5", "10.55"
func validateDecimal2(fl validator.FieldLevel) bool {
	return reDecimal2.MatchString(fl.Field().String())
}

// validateCurrency проверяет ISO 4217 код в верхнем регистре
func validateCurrency(fl validator.FieldLevel) bool {
	return reCurrency.MatchString(fl.Field().String())
}
