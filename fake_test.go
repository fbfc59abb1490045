package burst

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// fakeEC2 is an in-memory stand-in for the EC2 control plane. Each method
// dispatches to its function field when set, otherwise returns a minimal
// successful response. Cancellation and termination inputs are always
// recorded.
type fakeEC2 struct {
	mu sync.Mutex

	createSecurityGroupFn func(*ec2.CreateSecurityGroupInput) (*ec2.CreateSecurityGroupOutput, error)
	authorizeIngressFn    func(*ec2.AuthorizeSecurityGroupIngressInput) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	importKeyPairFn       func(*ec2.ImportKeyPairInput) (*ec2.ImportKeyPairOutput, error)
	requestSpotFn         func(*ec2.RequestSpotInstancesInput) (*ec2.RequestSpotInstancesOutput, error)
	describeSpotFn        func(*ec2.DescribeSpotInstanceRequestsInput) (*ec2.DescribeSpotInstanceRequestsOutput, error)
	cancelSpotFn          func(*ec2.CancelSpotInstanceRequestsInput) (*ec2.CancelSpotInstanceRequestsOutput, error)
	describeInstancesFn   func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	terminateFn           func(*ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error)

	ingressCalls   []*ec2.AuthorizeSecurityGroupIngressInput
	cancelledIDs   [][]string
	terminatedIDs  [][]string
	describeSpotN  int
	describeInstN  int
	terminateCalls int
}

var _ ec2API = (*fakeEC2)(nil)

func (f *fakeEC2) CreateSecurityGroup(_ context.Context, in *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createSecurityGroupFn != nil {
		return f.createSecurityGroupFn(in)
	}
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-0123")}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingressCalls = append(f.ingressCalls, in)
	if f.authorizeIngressFn != nil {
		return f.authorizeIngressFn(in)
	}
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) ImportKeyPair(_ context.Context, in *ec2.ImportKeyPairInput, _ ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.importKeyPairFn != nil {
		return f.importKeyPairFn(in)
	}
	return &ec2.ImportKeyPairOutput{
		KeyPairId: aws.String("key-0123"),
		KeyName:   in.KeyName,
	}, nil
}

func (f *fakeEC2) RequestSpotInstances(_ context.Context, in *ec2.RequestSpotInstancesInput, _ ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestSpotFn != nil {
		return f.requestSpotFn(in)
	}
	return &ec2.RequestSpotInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeSpotInstanceRequests(_ context.Context, in *ec2.DescribeSpotInstanceRequestsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeSpotN++
	if f.describeSpotFn != nil {
		return f.describeSpotFn(in)
	}
	return &ec2.DescribeSpotInstanceRequestsOutput{}, nil
}

func (f *fakeEC2) CancelSpotInstanceRequests(_ context.Context, in *ec2.CancelSpotInstanceRequestsInput, _ ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledIDs = append(f.cancelledIDs, in.SpotInstanceRequestIds)
	if f.cancelSpotFn != nil {
		return f.cancelSpotFn(in)
	}
	return &ec2.CancelSpotInstanceRequestsOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeInstN++
	if f.describeInstancesFn != nil {
		return f.describeInstancesFn(in)
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminateCalls++
	f.terminatedIDs = append(f.terminatedIDs, in.InstanceIds)
	if f.terminateFn != nil {
		return f.terminateFn(in)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

// spotRequest builds one described spot request. An empty 'instanceID' leaves
// the instance unassigned.
func spotRequest(id string, state types.SpotInstanceState, instanceID string) types.SpotInstanceRequest {
	sir := types.SpotInstanceRequest{
		SpotInstanceRequestId: aws.String(id),
		State:                 state,
	}
	if instanceID != "" {
		sir.InstanceId = aws.String(instanceID)
	}
	return sir
}

// describedInstance builds one described instance. Empty string fields are
// omitted from the response, simulating incomplete addressing.
func describedInstance(id, instanceType, privateIP, publicDNS, publicIP string) types.Instance {
	inst := types.Instance{
		InstanceId:   aws.String(id),
		InstanceType: types.InstanceType(instanceType),
	}
	if privateIP != "" {
		inst.PrivateIpAddress = aws.String(privateIP)
	}
	if publicDNS != "" {
		inst.PublicDnsName = aws.String(publicDNS)
	}
	if publicIP != "" {
		inst.PublicIpAddress = aws.String(publicIP)
	}
	return inst
}

// setNameFromTags extracts the machine set name a request was tagged with.
func setNameFromTags(specs []types.TagSpecification) string {
	for _, spec := range specs {
		for _, tag := range spec.Tags {
			if aws.ToString(tag.Key) == tagKeyName {
				return aws.ToString(tag.Value)
			}
		}
	}
	return ""
}

// reservations wraps instances in the single-reservation response shape.
func reservations(instances ...types.Instance) []types.Reservation {
	return []types.Reservation{{Instances: instances}}
}

var errControlPlane = fmt.Errorf("control plane said no")
