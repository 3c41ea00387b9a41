package backend

import (
	_ "github.com/ollama/vae/ml/backend/cpu"
)
