package rpcsurface

// Optional SQS command-intake transport, mirroring
// internal/runner/sqs.go's receive-process-delete loop, using a fixed
// 30-second visibility timeout that is not extended while a command runs,
// narrowed to decoding install/start/stop/uninstall
// commands instead of studioml work requests. Lets a multi-host
// deployment submit commands via a shared queue instead of direct HTTP.

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/lifecycle"
	"github.com/pinokio-cloud/orchestrator-core/internal/registry"
)

// sqsCommand is the envelope a command-intake message carries; Kind
// selects which lifecycle.Manager operation to invoke.
type sqsCommand struct {
	CommandID  string                 `json:"commandId"`
	Kind       string                 `json:"kind"` // install | start | stop | uninstall
	AppID      string                 `json:"appId"`
	Descriptor *struct {
		SourceLocator string `json:"sourceLocator"`
	} `json:"descriptor,omitempty"`
	Args  map[string]interface{} `json:"args,omitempty"`
	Purge bool                   `json:"purge,omitempty"`
}

// SQSIntake polls an SQS queue for commands and applies them to mgr.
type SQSIntake struct {
	mgr      *lifecycle.Manager
	queueURL string
	client   *sqs.SQS
}

// NewSQSIntake builds an intake against the given region and queue URL
// using the default AWS credential chain.
func NewSQSIntake(mgr *lifecycle.Manager, region, queueURL string) (*SQSIntake, *apperrors.Error) {
	sess, errGo := session.NewSessionWithOptions(session.Options{
		Config: aws.Config{Region: aws.String(region)},
	})
	if errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, errGo)
	}
	return &SQSIntake{mgr: mgr, queueURL: queueURL, client: sqs.New(sess)}, nil
}

// Run polls until ctx is done, applying each received command and
// deleting it from the queue once the Lifecycle Manager call returns
// (success or failure both acknowledge; a malformed command is dropped
// rather than retried forever).
func (si *SQSIntake) Run(ctx context.Context) {
	visTimeout := int64(30)
	waitTimeout := int64(5)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		out, errGo := si.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:          &si.queueURL,
			VisibilityTimeout: &visTimeout,
			WaitTimeSeconds:   &waitTimeout,
		})
		if errGo != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, m := range out.Messages {
			si.apply(ctx, *m.Body)
			si.client.DeleteMessage(&sqs.DeleteMessageInput{
				QueueUrl:      &si.queueURL,
				ReceiptHandle: m.ReceiptHandle,
			})
		}
	}
}

func (si *SQSIntake) apply(ctx context.Context, body string) {
	var cmd sqsCommand
	if errGo := json.Unmarshal([]byte(body), &cmd); errGo != nil {
		return
	}
	switch cmd.Kind {
	case "install":
		if cmd.Descriptor == nil {
			return
		}
		si.mgr.Install(ctx, cmd.AppID, registry.AppDescriptor{SourceLocator: cmd.Descriptor.SourceLocator})
	case "start":
		si.mgr.Start(ctx, cmd.AppID, cmd.Args)
	case "stop":
		si.mgr.Stop(ctx, cmd.AppID)
	case "uninstall":
		si.mgr.Uninstall(ctx, cmd.AppID, cmd.Purge)
	}
}
