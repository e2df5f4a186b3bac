package handler

import (
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/ketches/mindmap-backend/internal/util"
)

var registerOnce sync.Once

// RegisterValidators 注册自定义 binding 标签
func RegisterValidators(adminInitCode string) {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("redemption_code", func(fl validator.FieldLevel) bool {
			return util.ValidRedemptionCode(strings.TrimSpace(fl.Field().String()))
		})
		_ = v.RegisterValidation("invitation_code", func(fl validator.FieldLevel) bool {
			code := strings.ToUpper(strings.TrimSpace(fl.Field().String()))
			if adminInitCode != "" && code == strings.ToUpper(adminInitCode) {
				return true
			}
			return util.ValidInvitationCode(code)
		})
	})
}
