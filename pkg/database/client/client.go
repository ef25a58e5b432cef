/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/benediktbwimmer/apphub-sub011/pkg/config"
	"github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/eventbus"
)

// Client is the typed persistence layer over the relational store. Every
// mutation returns the post-image and publishes one change event per
// observable update through the event bus.
type Client struct {
	db  *sqlx.DB
	bus *eventbus.Bus
	*utils.DBConfig
}

// NewClient connects to the database with the system-wide configuration and
// binds change notifications to the given bus.
func NewClient(bus *eventbus.Bus) (*Client, error) {
	cfg := &utils.DBConfig{
		DBName:         config.GetDBName(),
		Username:       config.GetDBUser(),
		Password:       config.GetDBPassword(),
		Host:           config.GetDBHost(),
		Port:           config.GetDBPort(),
		SSLMode:        config.GetDBSslMode(),
		MaxOpenConns:   config.GetDBMaxOpenConns(),
		MaxIdleConns:   config.GetDBMaxIdleConns(),
		MaxLifetime:    time.Duration(config.GetDBMaxLifetimeSecond()) * time.Second,
		MaxIdleTime:    time.Duration(config.GetDBMaxIdleTimeSecond()) * time.Second,
		ConnectTimeout: config.GetDBConnectTimeoutSecond(),
		RequestTimeout: time.Duration(config.GetDBRequestTimeoutSecond()) * time.Second,
	}
	if err := checkParams(cfg); err != nil {
		klog.ErrorS(err, "failed to check db params")
		return nil, err
	}
	db, err := utils.Connect(cfg, utils.PgDriver)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		klog.ErrorS(err, "failed to ping db")
		return nil, err
	}
	klog.Infof("init db-client successfully! conn-timeout: %d(s), request-timeout: %v",
		cfg.ConnectTimeout, cfg.RequestTimeout)
	return &Client{db: db, bus: bus, DBConfig: cfg}, nil
}

// NewClientFromDB wraps an existing connection; used by tests.
func NewClientFromDB(db *sqlx.DB, bus *eventbus.Bus) *Client {
	return &Client{db: db, bus: bus, DBConfig: &utils.DBConfig{}}
}

// Close performs the Close operation.
func (c *Client) Close() {
	if c.db == nil {
		return
	}
	if err := c.db.Close(); err != nil {
		klog.ErrorS(err, "failed to close db connection")
	}
}

// getDB retrieves DB for internal use.
func (c *Client) getDB() (*sqlx.DB, error) {
	if c.db == nil {
		return nil, apphuberrors.NewInternalError("The client of db has not been initialized")
	}
	return c.db.Unsafe(), nil
}

// publish emits a change event when a bus is attached.
func (c *Client) publish(kind string, data interface{}) {
	if c.bus == nil || data == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: kind, Data: data})
}

// queryCtx derives a context honoring the configured request timeout.
func (c *Client) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.RequestTimeout)
	}
	return ctx, func() {}
}

// checkParams checks Params and returns the result.
func checkParams(cfg *utils.DBConfig) error {
	var errs []error
	if cfg.DBName == "" {
		errs = append(errs, fmt.Errorf("dbname not found"))
	}
	if cfg.Username == "" {
		errs = append(errs, fmt.Errorf("username not found"))
	}
	if cfg.Host == "" {
		errs = append(errs, fmt.Errorf("host not found"))
	}
	if cfg.SSLMode == "" {
		errs = append(errs, fmt.Errorf("ssl_mode not found"))
	}
	if cfg.Port == 0 {
		errs = append(errs, fmt.Errorf("port not found"))
	}
	return utilerrors.NewAggregate(errs)
}

// generateCommand generates an INSERT command from struct db tags, skipping
// fields carrying ignoreTag.
func generateCommand(obj interface{}, format, ignoreTag string) string {
	t := reflect.TypeOf(obj)
	columns := make([]string, 0, t.NumField())
	values := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("db")
		if tag == "" || tag == ignoreTag {
			continue
		}
		columns = append(columns, tag)
		values = append(values, fmt.Sprintf(":%s", tag))
	}
	return fmt.Sprintf(format, strings.Join(columns, ", "), strings.Join(values, ", "))
}

// getFieldTags maps lowercase struct field names to db column tags.
func getFieldTags(obj interface{}) map[string]string {
	result := make(map[string]string)
	t := reflect.TypeOf(obj)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		result[strings.ToLower(field.Name)] = field.Tag.Get("db")
	}
	return result
}

// GetFieldTag returns the FieldTag value.
func GetFieldTag(tags map[string]string, name string) string {
	name = strings.ToLower(name)
	return tags[name]
}
