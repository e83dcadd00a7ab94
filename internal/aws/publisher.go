package aws

import (
	"context"
	"encoding/json"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Message attribute names understood by the worker's trigger conversion.
const (
	AttrDetailType = "detail-type"
	AttrSource     = "source"
	AttrEventID    = "event_id"
)

// Publisher wraps an SQS client and a queue URL.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
	Source   string
}

// NewPublisher returns a Publisher bound to a queue URL. source is stamped on
// every message so consumers can build a stable event identity.
func NewPublisher(sqsClient SQSAPI, queueURL, source string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
		Source:   source,
	}
}

// Publish marshals payload to JSON and sends it with detailType and eventID
// as message attributes. It returns the SQS message id.
func (p *Publisher) Publish(ctx context.Context, detailType, eventID string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	attrs := map[string]string{AttrDetailType: detailType}
	if p.Source != "" {
		attrs[AttrSource] = p.Source
	}
	if eventID != "" {
		attrs[AttrEventID] = eventID
	}
	return p.Send(ctx, string(body), attrs)
}

// Send sends a raw message body. attributes are sent as String MessageAttributes.
func (p *Publisher) Send(ctx context.Context, messageBody string, attributes map[string]string) (string, error) {
	input := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: &messageBody,
	}
	if len(attributes) > 0 {
		msgAttrs := map[string]sqstypes.MessageAttributeValue{}
		for k, v := range attributes {
			if v == "" {
				continue
			}
			msgAttrs[k] = sqstypes.MessageAttributeValue{
				DataType:    sdkaws.String("String"),
				StringValue: sdkaws.String(v),
			}
		}
		input.MessageAttributes = msgAttrs
	}

	out, err := p.SQS.SendMessage(ctx, input)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return sdkaws.ToString(out.MessageId), nil
}
