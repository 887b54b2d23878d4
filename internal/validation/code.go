// Package validation содержит функции валидации входных данных.
package validation

// referralCodeLength — длина реферального кода пользователя.
const referralCodeLength = 8

// IsValidReferralCode проверяет форму реферального кода:
// ровно восемь символов шестнадцатеричного алфавита в нижнем регистре.
func IsValidReferralCode(code string) bool {
	if len(code) != referralCodeLength {
		return false
	}

	for i := 0; i < len(code); i++ {
		ch := code[i]
		if (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') {
			continue
		}
		return false
	}

	return true
}
