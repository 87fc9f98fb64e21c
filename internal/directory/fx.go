package directory

import (
	"github.com/smallbiznis/tripline/internal/directory/domain"
	"github.com/smallbiznis/tripline/internal/directory/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("directory",
	fx.Provide(repository.Provide),
	fx.Provide(
		func(d domain.Directory) domain.Membership { return d },
		func(d domain.Directory) domain.Recipients { return d },
		func(d domain.Directory) domain.Tokens { return d },
		func(d domain.Directory) domain.Receipts { return d },
	),
)
