package medvault

import (
	"testing"
	"time"

	"github.com/hengadev/errsx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_Encoding(t *testing.T) {
	env := Envelope{
		FileName:         "scan.dcm",
		FileType:         "application/dicom",
		DataType:         DataTypeImaging,
		EncryptedContent: []byte{0x01, 0x02, 0xff},
		Timestamp:        time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := EncodeEnvelope(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"fileName": "scan.dcm",
		"fileType": "application/dicom",
		"dataType": "imaging",
		"encryptedContent": "AQL/",
		"timestamp": "2025-01-02T03:04:05Z"
	}`, string(data))

	got, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestEnvelope_Validate(t *testing.T) {
	err := Envelope{DataType: DataType(42)}.Validate()
	require.Error(t, err)
	errs, ok := err.(errsx.Map)
	require.True(t, ok)
	for _, field := range []string{"fileName", "dataType", "encryptedContent", "timestamp"} {
		assert.Contains(t, errs, field)
	}
}

func TestDecodeEnvelope_Corrupted(t *testing.T) {
	for name, data := range map[string]string{
		"not json":      "\x00\x01",
		"missing parts": `{"fileName":"a"}`,
		"bad data type": `{"fileName":"a","dataType":"Horoscope","encryptedContent":"AQ==","timestamp":"2025-01-02T03:04:05Z"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(data))
			assert.ErrorIs(t, err, ErrBlobCorrupted)
			assert.True(t, IsCryptoError(err))
		})
	}
}
