package utils

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	guuid "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMustNewUUID(t *testing.T) {
	a := MustNewUUID()
	b := MustNewUUID()

	assert.NotEqual(t, a, b)
	_, err := guuid.Parse(a)
	assert.Nil(t, err)
}

func TestAWSErrCode(t *testing.T) {
	err := awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "check failed", nil)
	assert.Equal(t, dynamodb.ErrCodeConditionalCheckFailedException, AWSErrCode(err))
	assert.Equal(t, "", AWSErrCode(errors.New("plain")))
	assert.Equal(t, "", AWSErrCode(nil))
}
