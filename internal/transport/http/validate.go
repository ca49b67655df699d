package http

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/tiply/ledger-service/internal/chain"
)

var registerOnce sync.Once

// registerValidators adds the solana_address and solana_signature binding
// tags to gin's validator.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("solana_address", func(fl validator.FieldLevel) bool {
			return chain.ValidAddress(fl.Field().String())
		})
		_ = v.RegisterValidation("solana_signature", func(fl validator.FieldLevel) bool {
			return chain.ValidSignature(fl.Field().String())
		})
	})
}
