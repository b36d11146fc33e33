package config

type Config struct {
	ServerAddr   string
	JWTSecret    string
	ServiceToken string
}
