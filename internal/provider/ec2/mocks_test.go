package ec2

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// mockEC2Client is an in-memory EC2 API.
type mockEC2Client struct {
	mu sync.Mutex

	instances map[string]*types.Instance
	keyPairs  map[string]string
	templates []types.LaunchTemplate
	nextID    int

	// stateScript is popped by DescribeInstances for a single id, one state
	// per call.
	stateScript map[string][]types.InstanceStateName

	// Configurable behavior
	runErr error

	// Call tracking
	calls   []string
	runReqs []*ec2.RunInstancesInput
}

func newMockEC2Client() *mockEC2Client {
	return &mockEC2Client{
		instances:   make(map[string]*types.Instance),
		keyPairs:    make(map[string]string),
		stateScript: make(map[string][]types.InstanceStateName),
		templates: []types.LaunchTemplate{
			{LaunchTemplateId: aws.String("lt-0a1b2c3d4e5f60718"), LaunchTemplateName: aws.String("web"), DefaultVersionNumber: aws.Int64(3)},
			{LaunchTemplateId: aws.String("lt-0f9e8d7c6b5a40312"), LaunchTemplateName: aws.String("batch"), DefaultVersionNumber: aws.Int64(1)},
		},
	}
}

func (m *mockEC2Client) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockEC2Client) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// addInstance seeds an existing instance.
func (m *mockEC2Client) addInstance(name string, state types.InstanceStateName) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addInstanceLocked(name, "web", state)
}

func (m *mockEC2Client) addInstanceLocked(name, template string, state types.InstanceStateName) string {
	m.nextID++
	id := fmt.Sprintf("i-%017d", m.nextID)
	launched := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	m.instances[id] = &types.Instance{
		InstanceId:       aws.String(id),
		InstanceType:     types.InstanceTypeT3Medium,
		State:            &types.InstanceState{Name: state},
		Placement:        &types.Placement{AvailabilityZone: aws.String("eu-central-1a")},
		PublicIpAddress:  aws.String(fmt.Sprintf("203.0.113.%d", m.nextID)),
		PrivateIpAddress: aws.String(fmt.Sprintf("10.0.1.%d", m.nextID)),
		LaunchTime:       &launched,
		Tags: []types.Tag{
			{Key: aws.String("Name"), Value: aws.String(name)},
			{Key: aws.String("vmctl:template"), Value: aws.String(template)},
		},
	}
	return id
}

func (m *mockEC2Client) notFound(id string) error {
	return &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "The instance ID '" + id + "' does not exist"}
}

func (m *mockEC2Client) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(in.InstanceIds) == 0 {
		m.record("DescribeInstances")
		ids := make([]string, 0, len(m.instances))
		for id := range m.instances {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		var r types.Reservation
		for _, id := range ids {
			r.Instances = append(r.Instances, *m.instances[id])
		}
		return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{r}}, nil
	}

	id := in.InstanceIds[0]
	m.record("DescribeInstances %s", id)
	inst, ok := m.instances[id]
	if !ok {
		return nil, m.notFound(id)
	}
	if script := m.stateScript[id]; len(script) > 0 {
		inst.State = &types.InstanceState{Name: script[0]}
		m.stateScript[id] = script[1:]
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{Instances: []types.Instance{*inst}}},
	}, nil
}

func (m *mockEC2Client) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RunInstances %s", aws.ToString(in.LaunchTemplate.LaunchTemplateId))
	m.runReqs = append(m.runReqs, in)
	if m.runErr != nil {
		return nil, m.runErr
	}
	var name, template string
	for _, spec := range in.TagSpecifications {
		for _, t := range spec.Tags {
			switch aws.ToString(t.Key) {
			case "Name":
				name = aws.ToString(t.Value)
			case "vmctl:template":
				template = aws.ToString(t.Value)
			}
		}
	}
	id := m.addInstanceLocked(name, template, types.InstanceStateNamePending)
	m.stateScript[id] = []types.InstanceStateName{types.InstanceStateNamePending, types.InstanceStateNameRunning}
	return &ec2.RunInstancesOutput{Instances: []types.Instance{*m.instances[id]}}, nil
}

func (m *mockEC2Client) StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := in.InstanceIds[0]
	m.record("StartInstances %s", id)
	m.stateScript[id] = append(m.stateScript[id], types.InstanceStateNamePending, types.InstanceStateNameRunning)
	return &ec2.StartInstancesOutput{}, nil
}

func (m *mockEC2Client) StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := in.InstanceIds[0]
	m.record("StopInstances %s", id)
	m.stateScript[id] = append(m.stateScript[id], types.InstanceStateNameStopping, types.InstanceStateNameStopped)
	return &ec2.StopInstancesOutput{}, nil
}

func (m *mockEC2Client) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := in.InstanceIds[0]
	m.record("TerminateInstances %s", id)
	inst, ok := m.instances[id]
	if !ok {
		return nil, m.notFound(id)
	}
	inst.State = &types.InstanceState{Name: types.InstanceStateNameTerminated}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (m *mockEC2Client) DescribeLaunchTemplates(ctx context.Context, in *ec2.DescribeLaunchTemplatesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DescribeLaunchTemplates")
	// One template per page to exercise pagination.
	idx := 0
	if in.NextToken != nil {
		fmt.Sscanf(*in.NextToken, "page-%d", &idx)
	}
	out := &ec2.DescribeLaunchTemplatesOutput{LaunchTemplates: m.templates[idx : idx+1]}
	if idx+1 < len(m.templates) {
		out.NextToken = aws.String(fmt.Sprintf("page-%d", idx+1))
	}
	return out, nil
}

func (m *mockEC2Client) ImportKeyPair(ctx context.Context, in *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := aws.ToString(in.KeyName)
	m.record("ImportKeyPair %s", name)
	if _, ok := m.keyPairs[name]; ok {
		return nil, &smithy.GenericAPIError{Code: "InvalidKeyPair.Duplicate", Message: "The keypair already exists"}
	}
	m.keyPairs[name] = string(in.PublicKeyMaterial)
	return &ec2.ImportKeyPairOutput{KeyName: in.KeyName, KeyPairId: aws.String("key-0123456789abcdef0")}, nil
}
