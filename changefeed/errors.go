package changefeed

import "gopersist/errors"

// ErrPublisherClosed 发布者已关闭
var ErrPublisherClosed = errors.NewError(errors.ErrCodeQueue, "changefeed publisher is closed")
