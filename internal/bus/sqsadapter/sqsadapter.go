// Package sqsadapter implements the bus.Adapter contract on top of AWS SQS
// FIFO queues, grounded on asya-gateway's internal/queue/sqs.go: IRSA-style
// config loading, a GetQueueUrl cache, long-polling Receive, and
// DeleteMessage-based Ack. FIFO's MessageGroupId carries the session key
// (spec.md §4.1's ordering guarantee) and MessageDeduplicationId provides
// the bus-level at-least-once-suppression alongside the registry's own
// (correlation_id, sequence) dedup.
package sqsadapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/asya/a2a-proxy/internal/bus"
)

// client is the subset of *sqs.Client this adapter calls, narrowed for
// testability (see sqsadapter_test.go's fake).
type client interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// deadletterMaxReceiveCount bounds how many times a message may be received
// before SQS's own redrive policy moves it to the group's deadletter queue,
// independent of this adapter's own explicit Settle(..., bus.DeadLetter)
// path below.
const deadletterMaxReceiveCount = 5

// Config holds SQS connection settings (see internal/config).
type Config struct {
	Region            string
	Endpoint          string // non-empty to target LocalStack or a custom endpoint
	Namespace         string
	VisibilityTimeout int32
	WaitTimeSeconds   int32
}

// Adapter is the SQS FIFO-backed bus.Adapter. One FIFO queue per
// (group, toAgent), named "a2a-{namespace}-{group}-{toAgent}.fifo".
type Adapter struct {
	client            client
	namespace         string
	baseURL           string
	visibilityTimeout int32
	waitTimeSeconds   int32

	mu            sync.Mutex
	queueURLCache map[string]string
}

// New loads AWS config (IRSA-friendly) and builds the SQS client.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sqsadapter: load AWS config: %w", err)
	}

	var c *sqs.Client
	if cfg.Endpoint != "" {
		c = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	} else {
		c = sqs.NewFromConfig(awsCfg)
	}

	vt := cfg.VisibilityTimeout
	if vt == 0 {
		vt = 300
	}
	wt := cfg.WaitTimeSeconds
	if wt == 0 {
		wt = 20
	}

	return &Adapter{
		client:            c,
		namespace:         cfg.Namespace,
		baseURL:           cfg.Endpoint,
		visibilityTimeout: vt,
		waitTimeSeconds:   wt,
		queueURLCache:     make(map[string]string),
	}, nil
}

func queueName(namespace, group, agent string) string {
	return fmt.Sprintf("a2a-%s-%s-%s.fifo", namespace, group, agent)
}

// deadletterQueueName is the per-group FIFO queue every (group, toAgent)
// queue in that group redrives into (and that Settle's DeadLetter case
// republishes into directly).
func deadletterQueueName(namespace, group string) string {
	return fmt.Sprintf("a2a-%s-%s-deadletter.fifo", namespace, group)
}

func (a *Adapter) resolveQueueURL(ctx context.Context, name string) (string, error) {
	a.mu.Lock()
	if url, ok := a.queueURLCache[name]; ok {
		a.mu.Unlock()
		return url, nil
	}
	a.mu.Unlock()

	out, err := a.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("sqsadapter: resolve queue url for %q: %w", name, err)
	}
	url := aws.ToString(out.QueueUrl)
	if a.baseURL != "" {
		if rewritten, ok := rewriteForCustomEndpoint(url, a.baseURL); ok {
			url = rewritten
		}
	}

	a.mu.Lock()
	a.queueURLCache[name] = url
	a.mu.Unlock()
	return url, nil
}

// rewriteForCustomEndpoint replaces the host in a GetQueueUrl response with
// baseURL, for LocalStack's virtual-host-style URLs that don't resolve
// inside Docker networks.
func rewriteForCustomEndpoint(queueURL, baseURL string) (string, bool) {
	parts := strings.Split(queueURL, "/")
	if len(parts) < 2 {
		return "", false
	}
	accountID, queue := parts[len(parts)-2], parts[len(parts)-1]
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(baseURL, "/"), accountID, queue), true
}

// EnsureTopology creates (idempotently) one deadletter FIFO queue per group
// plus one probe FIFO queue wired to redrive into it after
// deadletterMaxReceiveCount deliveries; per-toAgent queues are created
// lazily by Subscribe (with the same redrive policy), since the agent set
// isn't known until the directory loads.
func (a *Adapter) EnsureTopology(ctx context.Context, groups []string) ([]bus.Topology, error) {
	reports := make([]bus.Topology, 0, len(groups))
	for _, g := range groups {
		dlqARN, err := a.ensureDeadletterQueue(ctx, g)
		if err != nil {
			reports = append(reports, bus.Topology{Group: g, Status: bus.Failed, Err: wrapTopologyErr(err)})
			continue
		}

		name := queueName(a.namespace, g, "_topology_probe")
		_, err = a.client.CreateQueue(ctx, &sqs.CreateQueueInput{
			QueueName:  aws.String(name),
			Attributes: a.primaryQueueAttributes(dlqARN),
		})
		if err != nil {
			reports = append(reports, bus.Topology{Group: g, Status: bus.Failed, Err: wrapTopologyErr(fmt.Errorf("sqsadapter: create queue for group %q: %w", g, err))})
			continue
		}
		reports = append(reports, bus.Topology{Group: g, Status: bus.Created})
	}
	return reports, nil
}

// wrapTopologyErr tags err with bus.ErrPermissionDenied when SQS refused
// topology creation for lack of IAM rights, so the CLI can map it onto
// spec.md §6's exit code 2 (coordinator role only) instead of a generic
// fatal start-up error. The SDK surfaces this as an "AccessDenied" API
// error / HTTP 403, matched by substring since no typed sentinel is
// exported for it.
func wrapTopologyErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "403") || strings.Contains(msg, "not authorized") {
		return fmt.Errorf("%w: %w", bus.ErrPermissionDenied, err)
	}
	return err
}

// ensureDeadletterQueue creates (idempotently) the group's deadletter FIFO
// queue and returns its ARN, for use in a primary queue's RedrivePolicy.
func (a *Adapter) ensureDeadletterQueue(ctx context.Context, group string) (string, error) {
	name := deadletterQueueName(a.namespace, group)
	if _, err := a.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNameFifoQueue):                 "true",
			string(sqstypes.QueueAttributeNameContentBasedDeduplication): "false",
			string(sqstypes.QueueAttributeNameMessageRetentionPeriod):    "1209600", // 14 days, SQS's max
		},
	}); err != nil {
		return "", fmt.Errorf("sqsadapter: create deadletter queue for group %q: %w", group, err)
	}

	url, err := a.resolveQueueURL(ctx, name)
	if err != nil {
		return "", fmt.Errorf("sqsadapter: resolve deadletter queue url for group %q: %w", group, err)
	}

	attrs, err := a.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", fmt.Errorf("sqsadapter: get deadletter queue arn for group %q: %w", group, err)
	}
	arn := attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]
	if arn == "" {
		return "", fmt.Errorf("sqsadapter: deadletter queue for group %q has no arn", group)
	}
	return arn, nil
}

// primaryQueueAttributes returns the CreateQueue attributes every
// (group, toAgent) queue shares: FIFO, explicit dedup ids, and a
// RedrivePolicy pointing at dlqARN.
func (a *Adapter) primaryQueueAttributes(dlqARN string) map[string]string {
	return map[string]string{
		string(sqstypes.QueueAttributeNameFifoQueue):                 "true",
		string(sqstypes.QueueAttributeNameContentBasedDeduplication): "false",
		string(sqstypes.QueueAttributeNameMessageRetentionPeriod):    "3600",
		string(sqstypes.QueueAttributeNameRedrivePolicy): fmt.Sprintf(
			`{"deadLetterTargetArn":%q,"maxReceiveCount":%d}`, dlqARN, deadletterMaxReceiveCount),
	}
}

func dedupID(group, sessionKey string, body []byte) string {
	// Content-based dedup would hash the body; we key dedup on
	// (group, sessionKey, body) explicitly so retries of the exact same
	// envelope are suppressed without depending on SQS's own content hash.
	h := fnv64a(body)
	return fmt.Sprintf("%s-%s-%x", group, sessionKey, h)
}

func fnv64a(data []byte) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	hash := uint64(offset64)
	for _, b := range data {
		hash ^= uint64(b)
		hash *= prime64
	}
	return hash
}

// Publish sends body to the (group, toAgent) queue, using sessionKey as the
// FIFO MessageGroupId so SQS preserves publish order within a correlation
// id.
func (a *Adapter) Publish(ctx context.Context, group, toAgent, sessionKey string, body []byte) error {
	name := queueName(a.namespace, group, toAgent)
	url, err := a.resolveQueueURL(ctx, name)
	if err != nil {
		return bus.PublishFailed(group, err)
	}

	_, err = a.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(url),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(sessionKey),
		MessageDeduplicationId: aws.String(dedupID(name, sessionKey, body)),
	})
	if err != nil {
		return bus.PublishFailed(group, fmt.Errorf("sqsadapter: send message: %w", err))
	}
	return nil
}

// republishToDeadletter sends body onto group's deadletter FIFO queue,
// reusing sessionKey as MessageGroupId so a dead-lettered session's chunks
// stay ordered relative to each other even there.
func (a *Adapter) republishToDeadletter(ctx context.Context, group, sessionKey string, body []byte) error {
	name := deadletterQueueName(a.namespace, group)
	url, err := a.resolveQueueURL(ctx, name)
	if err != nil {
		return fmt.Errorf("resolve deadletter queue: %w", err)
	}
	_, err = a.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(url),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(sessionKey),
		MessageDeduplicationId: aws.String(dedupID(name, sessionKey, body)),
	})
	if err != nil {
		return fmt.Errorf("send to deadletter queue: %w", err)
	}
	return nil
}

// Subscribe declares the per-(group,toAgent) FIFO queue, wired to redrive
// into the group's deadletter queue, and long-polls it in a background
// goroutine until ctx is cancelled.
func (a *Adapter) Subscribe(ctx context.Context, group, toAgent string) (<-chan bus.Message, error) {
	dlqARN, err := a.ensureDeadletterQueue(ctx, group)
	if err != nil {
		return nil, err
	}

	name := queueName(a.namespace, group, toAgent)
	if _, err := a.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: a.primaryQueueAttributes(dlqARN),
	}); err != nil {
		slog.Debug("sqsadapter: create queue (may already exist)", "queue", name, "error", err)
	}

	url, err := a.resolveQueueURL(ctx, name)
	if err != nil {
		return nil, err
	}

	out := make(chan bus.Message)
	go a.pollLoop(ctx, group, url, out)
	return out, nil
}

func (a *Adapter) pollLoop(ctx context.Context, group, url string, out chan<- bus.Message) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resp, err := a.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(url),
			MaxNumberOfMessages:   10,
			WaitTimeSeconds:       a.waitTimeSeconds,
			VisibilityTimeout:     a.visibilityTimeout,
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
				sqstypes.MessageSystemAttributeNameMessageGroupId,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("sqsadapter: receive failed", "queue", url, "error", err)
			continue
		}

		for _, m := range resp.Messages {
			msg := &message{
				adapter:       a,
				group:         group,
				queueURL:      url,
				receiptHandle: aws.ToString(m.ReceiptHandle),
				sessionKey:    m.Attributes[string(sqstypes.MessageSystemAttributeNameMessageGroupId)],
				body:          []byte(aws.ToString(m.Body)),
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close is a no-op; the SQS HTTP client has no persistent connection to
// release.
func (a *Adapter) Close() error { return nil }

type message struct {
	adapter       *Adapter
	group         string
	queueURL      string
	receiptHandle string
	sessionKey    string
	body          []byte
}

func (m *message) Body() []byte { return m.body }

func (m *message) Settle(ctx context.Context, outcome bus.Outcome) error {
	switch outcome {
	case bus.Ack:
		_, err := m.adapter.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(m.queueURL),
			ReceiptHandle: aws.String(m.receiptHandle),
		})
		if err != nil {
			return fmt.Errorf("sqsadapter: ack: %w", err)
		}
		return nil
	case bus.Abandon:
		_, err := m.adapter.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(m.queueURL),
			ReceiptHandle:     aws.String(m.receiptHandle),
			VisibilityTimeout: 0,
		})
		if err != nil {
			return fmt.Errorf("sqsadapter: abandon: %w", err)
		}
		return nil
	case bus.DeadLetter:
		// SQS has no client-side "move to DLQ now" call, so the redrive
		// policy set on the primary queue only fires after
		// deadletterMaxReceiveCount deliveries. An explicit DeadLetter
		// outcome means the caller already knows this envelope is poison
		// now, so republish it directly into the group's deadletter queue
		// before deleting it from the primary one.
		if err := m.adapter.republishToDeadletter(ctx, m.group, m.sessionKey, m.body); err != nil {
			return fmt.Errorf("sqsadapter: deadletter: %w", err)
		}
		_, err := m.adapter.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(m.queueURL),
			ReceiptHandle: aws.String(m.receiptHandle),
		})
		if err != nil {
			return fmt.Errorf("sqsadapter: deadletter: delete from primary queue: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("sqsadapter: unknown outcome %d", outcome)
	}
}
