package memory_test

import (
	"testing"

	"github.com/releaseplane/engine/internal/repository"
	"github.com/releaseplane/engine/internal/repository/memory"
	"github.com/releaseplane/engine/internal/repository/repotest"
)

func TestStoreContract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Store {
		return memory.New()
	})
}
