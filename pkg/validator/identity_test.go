package validator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidatePhone(t *testing.T) {
	cases := []struct {
		name  string
		phone string
		ok    bool
	}{
		{name: "estonian", phone: "+37255512345", ok: true},
		{name: "lithuanian", phone: "+37060000666", ok: true},
		{name: "prefix not allowed", phone: "+4915112345678"},
		{name: "missing plus", phone: "37255512345"},
		{name: "too short", phone: "+3725551"},
		{name: "letters", phone: "+372555abcde"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePhone(tc.phone, PhoneRules{})
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrPhoneNumber)
		})
	}
}

func TestValidatePhoneCustomPrefixes(t *testing.T) {
	rules := PhoneRules{Prefixes: []string{"+371"}, MinDigits: 11}
	require.NoError(t, ValidatePhone("+37120000000", rules))
	require.ErrorIs(t, ValidatePhone("+37255512345", rules), ErrPhoneNumber)
}

func TestValidatePersonalCodeEstonian(t *testing.T) {
	require.NoError(t, ValidatePersonalCode("EE", "60001019906", PersonalCodeRules{}))
	require.ErrorIs(t, ValidatePersonalCode("EE", "60001019907", PersonalCodeRules{}), ErrPersonalCode)
	require.ErrorIs(t, ValidatePersonalCode("EE", "6000101990", PersonalCodeRules{}), ErrPersonalCode)
	require.ErrorIs(t, ValidatePersonalCode("EE", "70001019906", PersonalCodeRules{}), ErrPersonalCode)
	require.ErrorIs(t, ValidatePersonalCode("EE", "39002301234", PersonalCodeRules{SkipChecksum: true}), ErrPersonalCode)
	require.NoError(t, ValidatePersonalCode("ee", "39001011234", PersonalCodeRules{SkipChecksum: true}))
}

func TestValidatePersonalCodeLatvian(t *testing.T) {
	require.NoError(t, ValidatePersonalCode("LV", "120386-12343", PersonalCodeRules{}))
	require.NoError(t, ValidatePersonalCode("LV", "12038612343", PersonalCodeRules{}))
	require.NoError(t, ValidatePersonalCode("LV", "329999-99999", PersonalCodeRules{}))
	require.ErrorIs(t, ValidatePersonalCode("LV", "120386-12344", PersonalCodeRules{}), ErrPersonalCode)
}

func TestValidatePersonalCodeCountry(t *testing.T) {
	require.ErrorIs(t, ValidatePersonalCode("FI", "60001019906", PersonalCodeRules{}), ErrCountry)
}

func TestBalticChecksumSecondRound(t *testing.T) {
	// 第一轮余数为 10 时改用第二组权重。
	require.Equal(t, 8, BalticChecksum("3900101023"))
	require.Equal(t, 0, BalticChecksum("3900101059"))
}

func TestValidateSecrets(t *testing.T) {
	require.NoError(t, ValidatePIN2([]byte("12345")))
	require.ErrorIs(t, ValidatePIN2([]byte("1234")), ErrPINLength)
	require.ErrorIs(t, ValidatePIN2([]byte("12a45")), ErrPINLength)
	require.NoError(t, ValidatePUK([]byte("12345678")))
	require.ErrorIs(t, ValidatePUK([]byte("1234567")), ErrPINLength)
	require.NoError(t, ValidateCAN([]byte("123456")))
	require.ErrorIs(t, ValidateCAN([]byte("12345")), ErrCAN)
}

func TestMaskPhone(t *testing.T) {
	require.Equal(t, "****2345", MaskPhone("+37255512345"))
	require.Equal(t, "****", MaskPhone("123"))
}
