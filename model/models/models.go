package models

import (
	_ "github.com/ollama/vae/model/models/vae"
)
