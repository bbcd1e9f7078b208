package context

import (
	gocontext "context"

	"github.com/sirupsen/logrus"
)

// Context extends the regular golang context.Context interface with access
// to a logger tagged with the pipeline and job being worked on.
type Context interface {
	gocontext.Context
	Logger() *logrus.Entry
	PipelineID() string
	JobName() string
}

// Background returns a non-nil, empty Context.
func Background() Context {
	return ctx{
		Context: gocontext.Background(),
	}
}

// FromContext returns a new context from the given go context.
func FromContext(c gocontext.Context) Context {
	return ctx{
		Context: c,
	}
}

// WithPipelineID returns a copy of the context with a pipelineID.
func WithPipelineID(c Context, pid string) Context {
	return ctx{
		c,
		pid,
		c.JobName(),
	}
}

// WithJobName returns a copy of the context with a job name.
func WithJobName(c Context, jobname string) Context {
	return ctx{
		c,
		c.PipelineID(),
		jobname,
	}
}

// WithCancel mirrors context.WithCancel for the extended context.
func WithCancel(c Context) (Context, gocontext.CancelFunc) {
	gc, cancel := gocontext.WithCancel(c)
	return ctx{
		gc,
		c.PipelineID(),
		c.JobName(),
	}, cancel
}

type ctx struct {
	gocontext.Context
	pipelineID string
	jobname    string
}

func (c ctx) Logger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "message",
		},
	})
	e := logrus.NewEntry(l)
	if c.PipelineID() != "" {
		e = e.WithField("pipeline_id", c.PipelineID())
	}
	if c.JobName() != "" {
		e = e.WithField("job", c.JobName())
	}
	return e
}

func (c ctx) PipelineID() string {
	return c.pipelineID
}

func (c ctx) JobName() string {
	return c.jobname
}
