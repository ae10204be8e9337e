package validator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type initiateForm struct {
	CounterpartyID string `json:"counterparty_id" validate:"required"`
	Kind           string `json:"kind" validate:"oneof=chat call"`
	Rate           int    `json:"rate" validate:"gt=0"`
}

func TestValidateStruct(t *testing.T) {
	require.NoError(t, ValidateStruct(initiateForm{
		CounterpartyID: "astro-1",
		Kind:           "chat",
		Rate:           10,
	}))
}

func TestValidateStructReportsJSONFieldNames(t *testing.T) {
	err := ValidateStruct(initiateForm{Kind: "webinar", Rate: 0})
	require.Error(t, err)

	failures, ok := err.(ValidationErrors)
	require.True(t, ok)
	require.Len(t, failures, 3)

	fields := make([]string, 0, len(failures))
	for _, f := range failures {
		fields = append(fields, f.Field)
	}
	require.Contains(t, fields, "counterparty_id")
	require.Contains(t, fields, "kind")
	require.Contains(t, fields, "rate")
	require.Contains(t, err.Error(), "kind failed on oneof=chat call")
}
