package secrets

// DefaultFieldNames returns field names whose values are always stripped,
// matched case-insensitively against normalized keys (separators removed).
func DefaultFieldNames() []string {
	return []string{
		"apikey",
		"accesskey",
		"accesstoken",
		"authorization",
		"clientsecret",
		"credential",
		"credentials",
		"password",
		"passwd",
		"privatekey",
		"refreshtoken",
		"secret",
		"secretkey",
		"sessiontoken",
		"token",
	}
}

// DefaultContentRules returns regexp rules for secret formats that identify
// themselves regardless of the field they travel in.
func DefaultContentRules() []ContentRule {
	return []ContentRule{
		{
			ID:          "private-key",
			Description: "PEM private key block",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`,
		},
		{
			ID:          "bearer-token",
			Description: "Bearer authorization header value",
			Pattern:     `(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`,
		},
		{
			ID:          "github-token",
			Description: "GitHub access token",
			Pattern:     `(?:ghp|gho|ghu|ghs)_[A-Za-z0-9]{36}`,
		},
		{
			ID:          "aws-access-key-id",
			Description: "AWS access key ID",
			Pattern:     `(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|ASIA)[A-Z0-9]{16}`,
		},
	}
}
