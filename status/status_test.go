package status

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestOf(t *testing.T) {
	assert.Equal(t, OK, Of(nil))
	assert.Equal(t, BadFormat, Of(ErrBadFormat))
	assert.Equal(t, Corrupt, Of(errors.Wrapf(ErrCorrupt, "section %d", 3)))
	assert.Equal(t, LinkErrors, Of(errors.Wrap(errors.Wrap(ErrLinkErrors, "inner"), "outer")))
	assert.Equal(t, Unknown, Of(errors.New("boom")))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "ok", OK.String())
	assert.Equal(t, ErrNotFound.Error(), NotFound.String())
	assert.Equal(t, "unknown error", Code(-100).String())
}
