package report

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tariffdesk/rates-cli/internal/model"
	"github.com/tariffdesk/rates-cli/internal/reconcile"
)

// pageCreator is the slice of the Notion API the publisher needs.
type pageCreator interface {
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
}

// notionPages adapts *notionapi.Client to pageCreator with Notion's
// 3 req/s throttle applied.
type notionPages struct {
	inner   *notionapi.Client
	limiter *rate.Limiter
}

func (c *notionPages) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "report: notion rate limit")
	}
	page, err := c.inner.Page.Create(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "report: create notion page")
	}
	return page, nil
}

// NotionPublisher files one review page per conflict.
type NotionPublisher struct {
	client pageCreator
	dbID   string
	log    *zap.Logger
}

// NewNotionPublisher creates a publisher writing to the given database.
func NewNotionPublisher(token, dbID string) *NotionPublisher {
	return &NotionPublisher{
		client: &notionPages{
			inner:   notionapi.NewClient(notionapi.Token(token)),
			limiter: rate.NewLimiter(3, 1),
		},
		dbID: dbID,
		log:  zap.L().With(zap.String("component", "report.notion")),
	}
}

// Publish creates a page for each conflict in the report. Failures on
// individual pages are logged and counted, not fatal: review pages are
// an operator convenience, the JSON report is the durable record.
func (p *NotionPublisher) Publish(ctx context.Context, r *RunReport) (int, error) {
	published := 0
	for _, c := range r.Conflicts {
		if _, err := p.client.CreatePage(ctx, p.pageFor(r, c)); err != nil {
			p.log.Warn("failed to publish conflict page",
				zap.String("key", c.Key.String()),
				zap.Error(err),
			)
			continue
		}
		published++
	}
	p.log.Info("conflict pages published",
		zap.String("run_id", r.RunID),
		zap.Int("published", published),
		zap.Int("total", len(r.Conflicts)),
	)
	return published, nil
}

func (p *NotionPublisher) pageFor(r *RunReport, c reconcile.Conflict) *notionapi.PageCreateRequest {
	return &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(p.dbID),
		},
		Properties: notionapi.Properties{
			"Name": notionapi.TitleProperty{
				Title: []notionapi.RichText{{Text: &notionapi.Text{Content: c.Key.String()}}},
			},
			"Run": notionapi.RichTextProperty{
				RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: r.RunID}}},
			},
			"Reason": notionapi.RichTextProperty{
				RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: c.Reason}}},
			},
			"Left": notionapi.RichTextProperty{
				RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: describeObservation(c.Left)}}},
			},
			"Right": notionapi.RichTextProperty{
				RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: describeObservation(c.Right)}}},
			},
			"Mode": notionapi.SelectProperty{
				Select: notionapi.Option{Name: r.Mode},
			},
		},
	}
}

func describeObservation(o *model.Observation) string {
	if o == nil {
		return "absent"
	}
	v := o.Value
	if o.Currency != "" {
		v += " " + o.Currency
	}
	return fmt.Sprintf("%s from %s (effective %s)", v, o.SourceURL, o.EffectiveFrom.Format("2006-01-02"))
}
