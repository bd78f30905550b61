package mock

import (
	"testing"

	"github.com/dshills/codemechanic/internal/repository"
	"github.com/dshills/codemechanic/internal/repository/repotest"
)

func TestMockRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Repository { return New() })
}
