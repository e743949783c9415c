package config_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/go-test/deep"
	"github.com/go-viper/mapstructure/v2"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/config"
)

type StringsStruct struct {
	S config.Strings
	I int
}

func TestStrings(t *testing.T) {
	cases := []struct {
		Name     string
		Source   map[string]interface{}
		Expected StringsStruct
	}{
		{
			Name: "single string",
			Source: map[string]interface{}{
				"s": "value",
			},
			Expected: StringsStruct{
				S: config.Strings{"value"},
			},
		}, {
			Name: "comma-separated string",
			Source: map[string]interface{}{
				"s": "fiss, mcs",
			},
			Expected: StringsStruct{
				S: config.Strings{"fiss", "mcs"},
			},
		}, {
			Name: "multiple strings",
			Source: map[string]interface{}{
				"s": []string{"the", "quick", "brown"},
			},
			Expected: StringsStruct{
				S: config.Strings{"the", "quick", "brown"},
			},
		}, {
			Name: "empty string",
			Source: map[string]interface{}{
				"s": "",
			},
			Expected: StringsStruct{
				S: config.Strings{},
			},
		}, {
			Name: "other values",
			Source: map[string]interface{}{
				"s": []string{"yes"},
				"i": 17,
			},
			Expected: StringsStruct{
				S: config.Strings{"yes"},
				I: 17,
			},
		},
	}
	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			var s StringsStruct

			dc := mapstructure.DecoderConfig{
				DecodeHook: config.DecodeStrings,
				Result:     &s,
			}
			decoder, err := mapstructure.NewDecoder(&dc)
			require.NoError(t, err)
			require.NoError(t, decoder.Decode(c.Source))
			if diffs := deep.Equal(s, c.Expected); diffs != nil {
				t.Error(diffs)
			}
		})
	}
}

func TestSecureString(t *testing.T) {
	s := config.SecureString("hunter2")
	require.Equal(t, "[SECRET]", s.String())
	require.Equal(t, "[SECRET]", fmt.Sprint(s))
	require.Equal(t, "hunter2", s.SecureValue())

	b, err := json.Marshal(struct{ Token config.SecureString }{Token: s})
	require.NoError(t, err)
	require.JSONEq(t, `{"Token":"[SECRET]"}`, string(b))

	b, err = json.Marshal(struct{ Token config.SecureString }{})
	require.NoError(t, err)
	require.JSONEq(t, `{"Token":""}`, string(b))
}
