// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package shares implements cross-project bucket sharing. A share is
// a metadata grant; a link materializes it on the target side as a
// read-only attachment plus one view per source table.
package shares

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/duck"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/internal/fileutil"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the shares package.
	Error = errs.Class("shares")
	// ErrNotShared means a link was attempted without a prior share.
	ErrNotShared = errs.Class("not shared")
)

// ShareTypeReadOnly is the only share type; the attach on the target
// side is inherently read-only.
const ShareTypeReadOnly = "read_only"

// LinkStatus is a link together with its source health. A link whose
// source project or bucket has disappeared keeps working as stale
// views until the source files vanish; Orphaned flags it.
type LinkStatus struct {
	Link
	Orphaned bool
}

// Service records shares and materializes links.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	layout   layout.Layout
	db       DB
	projects catalog.Projects
	buckets  catalog.Buckets
	tables   catalog.Tables
	now      func() time.Time
}

// NewService constructs the share service.
func NewService(log *zap.Logger, lay layout.Layout, db DB, projects catalog.Projects, buckets catalog.Buckets, tables catalog.Tables) *Service {
	return &Service{
		log:      log,
		layout:   lay,
		db:       db,
		projects: projects,
		buckets:  buckets,
		tables:   tables,
		now:      time.Now,
	}
}

// RoleName derives the synthetic grant role for a shared bucket.
func RoleName(sourceProjectID, sourceBucket string) string {
	return "share_" + sourceProjectID + "_" + sourceBucket
}

// Share exposes a source bucket to a target project. It records the
// grant and nothing else; the target sees data only after linking.
func (service *Service) Share(ctx context.Context, sourceProjectID, sourceBucket, targetProjectID string) (_ Share, err error) {
	defer mon.Task()(&ctx)(&err)

	sourceBucket = layout.NormalizeBucketName(sourceBucket)
	if _, err := service.buckets.Get(ctx, sourceProjectID, sourceBucket); err != nil {
		return Share{}, errs.Wrap(err)
	}
	if _, err := service.projects.Get(ctx, targetProjectID); err != nil {
		return Share{}, errs.Wrap(err)
	}

	share, err := service.db.CreateShare(ctx, Share{
		SourceProjectID: sourceProjectID,
		SourceBucket:    sourceBucket,
		TargetProjectID: targetProjectID,
		ShareType:       ShareTypeReadOnly,
		RoleName:        RoleName(sourceProjectID, sourceBucket),
		CreatedAt:       service.now().UTC(),
	})
	if err != nil {
		return Share{}, errs.Wrap(err)
	}

	service.log.Info("bucket shared",
		zap.String("source_project", sourceProjectID),
		zap.String("bucket", sourceBucket),
		zap.String("target_project", targetProjectID))
	return share, nil
}

// Unshare removes the grant. Existing links stay; revoking a share
// does not tear down what the target already attached.
func (service *Service) Unshare(ctx context.Context, sourceProjectID, sourceBucket, targetProjectID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	sourceBucket = layout.NormalizeBucketName(sourceBucket)
	return errs.Wrap(service.db.DeleteShare(ctx, sourceProjectID, sourceBucket, targetProjectID))
}

// ListShares returns the grants issued by a project.
func (service *Service) ListShares(ctx context.Context, sourceProjectID string) (_ []Share, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.ListSharesBySource(ctx, sourceProjectID)
}

// Link attaches a shared source bucket into the target project under
// targetBucket. All source table files are attached read-only into
// the target's project catalog and projected as views; the view set
// is frozen at link time.
func (service *Service) Link(ctx context.Context, targetProjectID, targetBucket, sourceProjectID, sourceBucket string) (_ Link, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := layout.ValidateSegment(targetBucket); err != nil {
		return Link{}, errs.Wrap(err)
	}
	targetBucket = layout.NormalizeBucketName(targetBucket)
	sourceBucket = layout.NormalizeBucketName(sourceBucket)

	if _, err := service.db.GetShare(ctx, sourceProjectID, sourceBucket, targetProjectID); err != nil {
		if catalog.ErrNotFound.Has(err) {
			return Link{}, ErrNotShared.New("bucket %s of project %s is not shared with project %s",
				sourceBucket, sourceProjectID, targetProjectID)
		}
		return Link{}, errs.Wrap(err)
	}
	if _, err := service.buckets.Get(ctx, sourceProjectID, sourceBucket); err != nil {
		return Link{}, errs.Wrap(err)
	}
	if _, err := service.buckets.Get(ctx, targetProjectID, targetBucket); err == nil {
		return Link{}, catalog.ErrAlreadyExists.New("bucket %s already exists in target project", targetBucket)
	} else if !catalog.ErrNotFound.Has(err) {
		return Link{}, errs.Wrap(err)
	}
	if _, err := service.db.GetLink(ctx, targetProjectID, targetBucket); err == nil {
		return Link{}, catalog.ErrAlreadyExists.New("bucket %s is already linked", targetBucket)
	} else if !catalog.ErrNotFound.Has(err) {
		return Link{}, errs.Wrap(err)
	}

	sourceTables, err := service.tables.List(ctx, sourceProjectID, "", sourceBucket)
	if err != nil {
		return Link{}, errs.Wrap(err)
	}

	eng, err := duck.Open(ctx, service.layout.LinkCatalogPath(targetProjectID), duck.Options{})
	if err != nil {
		return Link{}, errs.Wrap(err)
	}
	defer func() { err = errs.Combine(err, eng.Close()) }()

	if err := eng.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+duck.QuoteIdent(targetBucket)); err != nil {
		return Link{}, errs.Wrap(err)
	}

	var views []string
	for _, table := range sourceTables {
		source := service.layout.TablePath(sourceProjectID, "", sourceBucket, table.Name)
		if !fileutil.Exists(source) {
			service.log.Warn("source table file missing at link time, skipping",
				zap.String("project_id", sourceProjectID),
				zap.String("bucket", sourceBucket),
				zap.String("table", table.Name))
			continue
		}
		alias := linkAlias(sourceProjectID, sourceBucket, table.Name)
		if err := eng.Attach(ctx, source, alias, true); err != nil {
			service.rollbackLink(ctx, eng, targetBucket, views, sourceProjectID, sourceBucket)
			return Link{}, errs.Wrap(err)
		}
		view := "CREATE OR REPLACE VIEW " + duck.QuoteIdent(targetBucket) + "." + duck.QuoteIdent(table.Name) +
			" AS SELECT * FROM " + duck.QuoteIdent(alias) + ".main.data"
		if err := eng.Exec(ctx, view); err != nil {
			service.rollbackLink(ctx, eng, targetBucket, views, sourceProjectID, sourceBucket)
			return Link{}, errs.Wrap(err)
		}
		views = append(views, table.Name)
	}

	link, err := service.db.CreateLink(ctx, Link{
		TargetProjectID: targetProjectID,
		TargetBucket:    targetBucket,
		SourceProjectID: sourceProjectID,
		SourceBucket:    sourceBucket,
		Views:           views,
		CreatedAt:       service.now().UTC(),
	})
	if err != nil {
		service.rollbackLink(ctx, eng, targetBucket, views, sourceProjectID, sourceBucket)
		return Link{}, errs.Wrap(err)
	}

	service.log.Info("bucket linked",
		zap.String("target_project", targetProjectID),
		zap.String("target_bucket", targetBucket),
		zap.String("source_project", sourceProjectID),
		zap.String("source_bucket", sourceBucket),
		zap.Int("views", len(views)))
	return link, nil
}

// Unlink tears a link down: views, schema, attaches, metadata row.
// Every step tolerates partial state so a half-failed link can still
// be removed.
func (service *Service) Unlink(ctx context.Context, targetProjectID, targetBucket string) (err error) {
	defer mon.Task()(&ctx)(&err)

	targetBucket = layout.NormalizeBucketName(targetBucket)
	link, err := service.db.GetLink(ctx, targetProjectID, targetBucket)
	if err != nil {
		return errs.Wrap(err)
	}

	eng, openErr := duck.Open(ctx, service.layout.LinkCatalogPath(targetProjectID), duck.Options{})
	if openErr != nil {
		service.log.Warn("link catalog unavailable during unlink, removing metadata only",
			zap.String("target_project", targetProjectID), zap.Error(openErr))
	} else {
		service.dropLinkObjects(ctx, eng, targetBucket, link.Views, link.SourceProjectID, link.SourceBucket)
		if err := eng.Close(); err != nil {
			service.log.Warn("closing link catalog failed", zap.Error(err))
		}
	}

	if err := service.db.DeleteLink(ctx, targetProjectID, targetBucket); err != nil {
		return errs.Wrap(err)
	}
	service.log.Info("bucket unlinked",
		zap.String("target_project", targetProjectID),
		zap.String("target_bucket", targetBucket))
	return nil
}

// GetLink returns the link behind a target bucket.
func (service *Service) GetLink(ctx context.Context, targetProjectID, targetBucket string) (_ Link, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.GetLink(ctx, targetProjectID, layout.NormalizeBucketName(targetBucket))
}

// ListLinks returns the links of a target project together with
// orphan flags for links whose source has gone away.
func (service *Service) ListLinks(ctx context.Context, targetProjectID string) (_ []LinkStatus, err error) {
	defer mon.Task()(&ctx)(&err)

	links, err := service.db.ListLinks(ctx, targetProjectID)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	out := make([]LinkStatus, 0, len(links))
	for _, link := range links {
		out = append(out, LinkStatus{Link: link, Orphaned: service.orphaned(ctx, link)})
	}
	return out, nil
}

// AttachSources re-attaches the source files behind a link into an
// open engine session. Attaches do not survive sessions, so every
// session that reads linked views runs this first. Missing source
// files are skipped; their views fail only when actually queried.
func (service *Service) AttachSources(ctx context.Context, eng *duck.DB, link Link) {
	for _, view := range link.Views {
		source := service.layout.TablePath(link.SourceProjectID, "", link.SourceBucket, view)
		if !fileutil.Exists(source) {
			continue
		}
		alias := linkAlias(link.SourceProjectID, link.SourceBucket, view)
		if err := eng.Attach(ctx, source, alias, true); err != nil {
			service.log.Warn("re-attaching link source failed",
				zap.String("target_bucket", link.TargetBucket),
				zap.String("table", view), zap.Error(err))
		}
	}
}

func (service *Service) orphaned(ctx context.Context, link Link) bool {
	project, err := service.projects.Get(ctx, link.SourceProjectID)
	if err != nil || project.Status != catalog.ProjectActive {
		return true
	}
	if _, err := service.buckets.Get(ctx, link.SourceProjectID, link.SourceBucket); err != nil {
		return true
	}
	return false
}

// rollbackLink undoes a partially materialized link inside the same
// engine session. Failures are logged; the link itself already failed.
func (service *Service) rollbackLink(ctx context.Context, eng *duck.DB, targetBucket string, views []string, sourceProjectID, sourceBucket string) {
	service.dropLinkObjects(ctx, eng, targetBucket, views, sourceProjectID, sourceBucket)
}

func (service *Service) dropLinkObjects(ctx context.Context, eng *duck.DB, targetBucket string, views []string, sourceProjectID, sourceBucket string) {
	for _, view := range views {
		drop := "DROP VIEW IF EXISTS " + duck.QuoteIdent(targetBucket) + "." + duck.QuoteIdent(view)
		if err := eng.Exec(ctx, drop); err != nil {
			service.log.Warn("dropping link view failed",
				zap.String("bucket", targetBucket), zap.String("view", view), zap.Error(err))
		}
	}
	if err := eng.Exec(ctx, "DROP SCHEMA IF EXISTS "+duck.QuoteIdent(targetBucket)+" CASCADE"); err != nil {
		service.log.Warn("dropping link schema failed",
			zap.String("bucket", targetBucket), zap.Error(err))
	}
	for _, view := range views {
		if err := eng.Detach(ctx, linkAlias(sourceProjectID, sourceBucket, view)); err != nil {
			service.log.Warn("detaching link source failed",
				zap.String("bucket", targetBucket), zap.String("table", view), zap.Error(err))
		}
	}
}

// linkAlias names the attach of one source table file inside the
// target catalog.
func linkAlias(sourceProjectID, sourceBucket, table string) string {
	return "link_" + sourceProjectID + "_" + sourceBucket + "_" + table
}
