package gmail

import (
	"context"
	"fmt"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/nhle/mailsync/internal/source"
)

// API is the subset of the Gmail REST API the source uses.
type API interface {
	// ListMessages pages through the ids matching query and calls fn once
	// per page. An error from fn stops paging and is returned as is.
	// Every page after the first waits on source.WaitPage.
	ListMessages(ctx context.Context, query string, pageSize int64, fn func(ids []string) error) error

	// GetRawMessage fetches a message in raw format.
	GetRawMessage(ctx context.Context, id string) (*gmailapi.Message, error)

	// ListLabels returns every label of the mailbox.
	ListLabels(ctx context.Context) ([]*gmailapi.Label, error)
}

type serviceAPI struct {
	svc  *gmailapi.Service
	user string
}

// NewServiceAPI builds an API backed by the Gmail REST service.
func NewServiceAPI(ctx context.Context, user string, opts ...option.ClientOption) (API, error) {
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	if user == "" {
		user = "me"
	}
	return &serviceAPI{svc: svc, user: user}, nil
}

func (a *serviceAPI) ListMessages(ctx context.Context, query string, pageSize int64, fn func(ids []string) error) error {
	call := a.svc.Users.Messages.List(a.user).IncludeSpamTrash(false)
	if pageSize > 0 {
		call = call.MaxResults(pageSize)
	}
	if query != "" {
		call = call.Q(query)
	}
	return call.Pages(ctx, func(page *gmailapi.ListMessagesResponse) error {
		ids := make([]string, 0, len(page.Messages))
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		if err := fn(ids); err != nil {
			return err
		}
		if page.NextPageToken == "" {
			return nil
		}
		return source.WaitPage(ctx)
	})
}

func (a *serviceAPI) GetRawMessage(ctx context.Context, id string) (*gmailapi.Message, error) {
	return a.svc.Users.Messages.Get(a.user, id).Format("raw").Context(ctx).Do()
}

func (a *serviceAPI) ListLabels(ctx context.Context) ([]*gmailapi.Label, error) {
	resp, err := a.svc.Users.Labels.List(a.user).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Labels, nil
}
