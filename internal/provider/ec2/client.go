package ec2

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"

	"github.com/jbweber/vmctl/internal/backend"
)

// ec2Client is the part of *ec2.Client the driver uses.
type ec2Client interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeLaunchTemplates(ctx context.Context, in *ec2.DescribeLaunchTemplatesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error)
	ImportKeyPair(ctx context.Context, in *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
}

var (
	_ ec2Client                      = (*ec2.Client)(nil)
	_ ec2.DescribeInstancesAPIClient = ec2Client(nil)
)

const (
	codeInstanceNotFound  = "InvalidInstanceID.NotFound"
	codeKeyPairDuplicate  = "InvalidKeyPair.Duplicate"
	codeTemplateNotFound  = "InvalidLaunchTemplateId.NotFound"
	codeTemplateNameUnset = "InvalidLaunchTemplateName.NotFoundException"
)

var notFoundCodes = map[string]bool{
	codeInstanceNotFound:  true,
	codeTemplateNotFound:  true,
	codeTemplateNameUnset: true,
}

func instanceNotFound(id string) error {
	return &smithy.GenericAPIError{
		Code:    codeInstanceNotFound,
		Message: "The instance ID '" + id + "' does not exist",
		Fault:   smithy.FaultClient,
	}
}

// wrap converts an AWS error into a ProviderError carrying the API error
// code. NotFound codes also match backend.ErrNotFound.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var code string
	var ae smithy.APIError
	if errors.As(err, &ae) {
		code = ae.ErrorCode()
		if notFoundCodes[code] {
			err = errors.Join(backend.ErrNotFound, err)
		}
	}
	return backend.NewProviderError(Name, op, code, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, backend.ErrNotFound)
}

func hasCode(err error, code string) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == code
}
