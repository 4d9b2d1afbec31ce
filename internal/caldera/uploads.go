package caldera

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
)

// UploadAbilities posts each ability. An ability the server already knows is
// replaced with PUT. Per-record failures are logged and skipped; the ids that
// were accepted are returned.
func (c *Client) UploadAbilities(ctx context.Context, list []schemas.Ability) ([]string, error) {
	uploaded := make([]string, 0, len(list))
	for i, a := range list {
		if err := ctx.Err(); err != nil {
			return uploaded, err
		}
		err := c.upsert(ctx, "upload ability", "/api/v2/abilities", a.AbilityID, a)
		if err != nil {
			if ctx.Err() != nil {
				return uploaded, ctx.Err()
			}
			c.logger.Warn("Failed to upload ability.",
				zap.Int("index", i+1), zap.String("ability_id", a.AbilityID), zap.String("name", a.Name), zap.Error(err))
			continue
		}
		uploaded = append(uploaded, a.AbilityID)
	}
	c.logger.Info("Abilities uploaded.", zap.Int("uploaded", len(uploaded)), zap.Int("total", len(list)))
	return uploaded, nil
}

// UploadAdversaries posts each adversary profile, like UploadAbilities.
func (c *Client) UploadAdversaries(ctx context.Context, list []schemas.Adversary) ([]string, error) {
	uploaded := make([]string, 0, len(list))
	for i, a := range list {
		if err := ctx.Err(); err != nil {
			return uploaded, err
		}
		err := c.upsert(ctx, "upload adversary", "/api/v2/adversaries", a.AdversaryID, a)
		if err != nil {
			if ctx.Err() != nil {
				return uploaded, ctx.Err()
			}
			c.logger.Warn("Failed to upload adversary.",
				zap.Int("index", i+1), zap.String("adversary_id", a.AdversaryID), zap.String("name", a.Name), zap.Error(err))
			continue
		}
		uploaded = append(uploaded, a.AdversaryID)
	}
	c.logger.Info("Adversaries uploaded.", zap.Int("uploaded", len(uploaded)), zap.Int("total", len(list)))
	return uploaded, nil
}

// upsert creates the record and falls back to replacing it when the server
// refuses the create as a conflict.
func (c *Client) upsert(ctx context.Context, op, collection, id string, record any) error {
	err := c.do(ctx, op, http.MethodPost, collection, record, nil)
	var apiErr *APIError
	if err == nil || id == "" || !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.StatusCode != http.StatusBadRequest && apiErr.StatusCode != http.StatusConflict {
		return err
	}
	c.logger.Debug("Record exists, replacing.", zap.String("op", op), zap.String("id", id))
	return c.do(ctx, op, http.MethodPut, collection+"/"+url.PathEscape(id), record, nil)
}
