package validator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrPhoneNumber 表示手机号不在允许的国家前缀内或长度不足。
	ErrPhoneNumber = errors.New("invalid phone number")
	// ErrPersonalCode 表示个人识别码格式或校验位错误。
	ErrPersonalCode = errors.New("invalid personal code")
	// ErrCountry 表示不支持的国家代码。
	ErrCountry = errors.New("unsupported country")
	// ErrPINLength 表示 PIN/PUK 长度或字符不合法。
	ErrPINLength = errors.New("invalid pin length")
	// ErrCAN 表示 CAN 不是六位数字。
	ErrCAN = errors.New("invalid card access number")
)

// DefaultPhonePrefixes 为 Mobile-ID 支持的国家前缀。
var DefaultPhonePrefixes = []string{"+372", "+370"}

const (
	minPhoneDigits = 8
	maxPhoneDigits = 15

	PIN2MinLength = 5
	PIN2MaxLength = 12
	PUKMinLength  = 8
	PUKMaxLength  = 12
	CANLength     = 6
)

// PhoneRules 描述手机号校验规则。
type PhoneRules struct {
	Prefixes  []string
	MinDigits int
}

// ValidatePhone 校验手机号：允许的国家前缀 + 最少位数，全部为数字。
func ValidatePhone(phone string, rules PhoneRules) error {
	prefixes := rules.Prefixes
	if len(prefixes) == 0 {
		prefixes = DefaultPhonePrefixes
	}
	minDigits := rules.MinDigits
	if minDigits <= 0 {
		minDigits = minPhoneDigits
	}
	matched := false
	for _, p := range prefixes {
		if strings.HasPrefix(phone, p) {
			matched = true
			break
		}
	}
	if !matched {
		return fmt.Errorf("%w: country prefix not allowed", ErrPhoneNumber)
	}
	digits := phone[1:]
	if !allDigits(digits) {
		return fmt.Errorf("%w: non-digit characters", ErrPhoneNumber)
	}
	if len(digits) < minDigits || len(digits) > maxPhoneDigits {
		return fmt.Errorf("%w: length %d", ErrPhoneNumber, len(digits))
	}
	return nil
}

// PersonalCodeRules 控制个人识别码校验。
type PersonalCodeRules struct {
	// SkipChecksum 仅校验结构（长度、世纪位、出生日期），不校验校验位。
	SkipChecksum bool
}

// ValidatePersonalCode 按国家校验个人识别码。
func ValidatePersonalCode(country, code string, rules PersonalCodeRules) error {
	switch strings.ToUpper(country) {
	case "EE", "LT":
		return validateBalticCode(code, rules)
	case "LV":
		return validateLatvianCode(code, rules)
	default:
		return fmt.Errorf("%w: %q", ErrCountry, country)
	}
}

// validateBalticCode 校验爱沙尼亚/立陶宛 11 位识别码：GYYMMDDSSSC。
func validateBalticCode(code string, rules PersonalCodeRules) error {
	if len(code) != 11 || !allDigits(code) {
		return fmt.Errorf("%w: must be 11 digits", ErrPersonalCode)
	}
	century := 0
	switch code[0] {
	case '1', '2':
		century = 1800
	case '3', '4':
		century = 1900
	case '5', '6':
		century = 2000
	default:
		return fmt.Errorf("%w: gender/century digit", ErrPersonalCode)
	}
	year := century + atoi2(code[1:3])
	if !validDate(year, atoi2(code[3:5]), atoi2(code[5:7])) {
		return fmt.Errorf("%w: birth date", ErrPersonalCode)
	}
	if rules.SkipChecksum {
		return nil
	}
	if BalticChecksum(code[:10]) != int(code[10]-'0') {
		return fmt.Errorf("%w: checksum", ErrPersonalCode)
	}
	return nil
}

// BalticChecksum 计算爱沙尼亚/立陶宛识别码前十位的校验位。
func BalticChecksum(first10 string) int {
	w1 := [10]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 1}
	w2 := [10]int{3, 4, 5, 6, 7, 8, 9, 1, 2, 3}
	sum := 0
	for i := 0; i < 10; i++ {
		sum += int(first10[i]-'0') * w1[i]
	}
	if r := sum % 11; r != 10 {
		return r
	}
	sum = 0
	for i := 0; i < 10; i++ {
		sum += int(first10[i]-'0') * w2[i]
	}
	if r := sum % 11; r != 10 {
		return r
	}
	return 0
}

// validateLatvianCode 校验拉脱维亚识别码 DDMMYY-CNNNN，横线可省略；32 开头的新格式不含日期与校验位。
func validateLatvianCode(code string, rules PersonalCodeRules) error {
	normalized := strings.Replace(code, "-", "", 1)
	if len(normalized) != 11 || !allDigits(normalized) {
		return fmt.Errorf("%w: must be 11 digits", ErrPersonalCode)
	}
	if strings.HasPrefix(normalized, "32") {
		return nil
	}
	century := 0
	switch normalized[6] {
	case '0':
		century = 1800
	case '1':
		century = 1900
	case '2':
		century = 2000
	default:
		return fmt.Errorf("%w: century digit", ErrPersonalCode)
	}
	if !validDate(century+atoi2(normalized[4:6]), atoi2(normalized[2:4]), atoi2(normalized[0:2])) {
		return fmt.Errorf("%w: birth date", ErrPersonalCode)
	}
	if rules.SkipChecksum {
		return nil
	}
	weights := [10]int{1, 6, 3, 7, 9, 10, 5, 8, 4, 2}
	sum := 0
	for i := 0; i < 10; i++ {
		sum += int(normalized[i]-'0') * weights[i]
	}
	if (1101-sum)%11 != int(normalized[10]-'0') {
		return fmt.Errorf("%w: checksum", ErrPersonalCode)
	}
	return nil
}

// ValidatePIN2 校验签名 PIN 长度（5-12 位数字）。
func ValidatePIN2(pin []byte) error {
	return validateSecret(pin, PIN2MinLength, PIN2MaxLength)
}

// ValidatePUK 校验 PUK 长度（8-12 位数字）。
func ValidatePUK(puk []byte) error {
	return validateSecret(puk, PUKMinLength, PUKMaxLength)
}

// ValidateCAN 校验 NFC 卡访问码为六位数字。
func ValidateCAN(can []byte) error {
	if len(can) != CANLength || !allDigitBytes(can) {
		return ErrCAN
	}
	return nil
}

func validateSecret(secret []byte, minLen, maxLen int) error {
	if len(secret) < minLen || len(secret) > maxLen || !allDigitBytes(secret) {
		return ErrPINLength
	}
	return nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func allDigitBytes(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func atoi2(s string) int {
	return int(s[0]-'0')*10 + int(s[1]-'0')
}

func validDate(year, month, day int) bool {
	if month < 1 || month > 12 || day < 1 {
		return false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return t.Day() == day && int(t.Month()) == month
}

// MaskPhone 仅保留手机号末四位，用于日志。
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}
