// Package validation 提供参数校验辅助函数
//
// 所有函数在失败时返回 VALIDATION_ERROR，调用方应在修改任何状态之前完成校验。
package validation

import (
	"reflect"
	"strings"

	"gopersist/errors"
)

// ValidateRequired 验证必填字符串
func ValidateRequired(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return errors.NewValidationError("%s不能为空", fieldName)
	}
	return nil
}

// ValidateIdentifier 验证标识符（实体名、属性名等）
//
// 规则：
//   - 不能为空；
//   - 首字符必须是字母或下划线 [A-Za-z_]；
//   - 后续字符必须是字母、数字或下划线 [A-Za-z0-9_]。
func ValidateIdentifier(value, fieldName string) error {
	if err := ValidateRequired(value, fieldName); err != nil {
		return err
	}
	if !IsIdentifier(value) {
		return errors.NewValidationError("%s不是合法标识符: %q", fieldName, value)
	}
	return nil
}

// IsIdentifier 判断是否为合法标识符
func IsIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		ch := name[i]
		letter := (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
		if i == 0 {
			if !letter {
				return false
			}
			continue
		}
		if !letter && !(ch >= '0' && ch <= '9') {
			return false
		}
	}
	return true
}

// ValidateEnum 验证枚举值
func ValidateEnum(value, fieldName string, validValues []string) error {
	for _, valid := range validValues {
		if value == valid {
			return nil
		}
	}
	return errors.NewValidationError("%s的值无效: %q，必须是以下之一: %v", fieldName, value, validValues)
}

// ValidateNonNegative 验证非负整数
func ValidateNonNegative(value int, fieldName string) error {
	if value < 0 {
		return errors.NewValidationError("%s不能为负数（当前%d）", fieldName, value)
	}
	return nil
}

// ValidateNotNil 验证参数非 nil（包括持有 nil 指针的接口）
func ValidateNotNil(value any, fieldName string) error {
	if value == nil {
		return errors.NewValidationError("%s不能为nil", fieldName)
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		if rv.IsNil() {
			return errors.NewValidationError("%s不能为nil", fieldName)
		}
	}
	return nil
}
