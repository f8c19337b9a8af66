package resources

import (
	"time"

	"github.com/junbin-yang/coap-go/pkg/coap/server"
)

// Set 一组示例资源
type Set struct {
	Info     Info
	Buffer   *Buffer
	Validate *Validate
	Create   *Creatable
	Large    *Large
	Reading  *MultiFormat
	Separate *Separate
	Location *Location
}

// NewSet 创建全部示例资源并把状态变化通知给n
func NewSet(policy PutPolicy, separateDelay time.Duration, n Notifier) *Set {
	return &Set{
		Buffer:   NewBuffer("test", policy, n),
		Validate: NewValidate("validate", []byte("initial"), n),
		Create:   NewCreatable("create"),
		Large:    NewLarge(),
		Reading:  NewMultiFormat("reading", Reading{Name: "temperature", Value: 21.5, Unit: "Cel"}, n),
		Separate: &Separate{Delay: separateDelay},
		Location: NewLocation("location"),
	}
}

// Resources 按注册顺序返回
func (s *Set) Resources() []*server.Resource {
	return []*server.Resource{
		s.Info.Resource(),
		s.Buffer.Resource(),
		s.Validate.Resource(),
		s.Create.Resource(),
		s.Large.Resource(),
		s.Reading.Resource(),
		s.Separate.Resource(),
		s.Location.Resource(),
	}
}

// Register 创建示例资源并注册到srv
func Register(srv *server.Server, policy PutPolicy, separateDelay time.Duration) (*Set, error) {
	set := NewSet(policy, separateDelay, srv)
	if err := srv.Register(set.Resources()...); err != nil {
		return nil, err
	}
	return set, nil
}
